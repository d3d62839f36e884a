// Package errors defines the sentinel errors shared across the database and
// a wrapping AppError type carrying a human-readable message.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentMismatch = errors.New("document does not match worker state")
	ErrStoreClosed      = errors.New("store is closed")
	ErrCorruptSnapshot  = errors.New("snapshot file is corrupt")
	ErrCorruptWAL       = errors.New("write-ahead log is corrupt")
	ErrSymbolOverflow   = errors.New("symbol space exhausted")
	ErrKeyNotFound      = errors.New("key not found")
	ErrTerminated       = errors.New("scan terminated")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInternal         = errors.New("internal error")
)

// AppError pairs a sentinel with a contextual message.
type AppError struct {
	Err     error
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New wraps a sentinel error with a message.
func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
	}
}

// Newf wraps a sentinel error with a formatted message.
func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
