// Package logger configures the process-wide slog logger and provides
// helpers for component-scoped and document-scoped loggers.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type contextKey struct{}

// Setup installs the default slog logger with the given level and format
// ("json" or "text").
func Setup(level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithDocID stores a document id in the context so that downstream log
// records carry it.
func WithDocID(ctx context.Context, docID uint32) context.Context {
	return context.WithValue(ctx, contextKey{}, docID)
}

// FromContext returns the default logger, annotated with the document id
// from ctx when present.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if docID, ok := ctx.Value(contextKey{}).(uint32); ok {
		logger = logger.With("doc_id", docID)
	}
	return logger
}

// WithComponent returns a logger annotated with a component name.
func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
