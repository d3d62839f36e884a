// Package registry assigns document ids and tracks document indexing status
// in PostgreSQL. Ids come from a sequence, so documents loaded in one batch
// get consecutive ids, which the structural index exploits by coalescing
// them into single range scans.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/nativexml/nxdb/internal/dom"
	"github.com/nativexml/nxdb/pkg/errors"
	"github.com/nativexml/nxdb/pkg/postgres"
)

// Document statuses.
const (
	StatusPending = "PENDING"
	StatusIndexed = "INDEXED"
	StatusFailed  = "FAILED"
	StatusRemoved = "REMOVED"
)

// Registry is the PostgreSQL-backed document registry.
type Registry struct {
	db     *postgres.Client
	logger *slog.Logger
}

// New creates a Registry over an open PostgreSQL client.
func New(db *postgres.Client) *Registry {
	return &Registry{
		db:     db,
		logger: slog.Default().With("component", "registry"),
	}
}

// EnsureSchema creates the documents table if it does not exist.
func (r *Registry) EnsureSchema(ctx context.Context) error {
	_, err := r.db.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id         SERIAL PRIMARY KEY,
			uri        TEXT NOT NULL UNIQUE,
			status     TEXT NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			indexed_at TIMESTAMPTZ
		)`)
	if err != nil {
		return fmt.Errorf("creating documents table: %w", err)
	}
	return nil
}

// Register returns the document for uri, assigning a fresh id on first
// sight. Re-registering an existing uri resets its status to pending.
func (r *Registry) Register(ctx context.Context, uri string) (*dom.Document, error) {
	var id uint32
	err := r.db.DB.QueryRowContext(ctx, `
		INSERT INTO documents (uri, status) VALUES ($1, $2)
		ON CONFLICT (uri) DO UPDATE SET status = $2, indexed_at = NULL
		RETURNING id`,
		uri, StatusPending,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("registering document %s: %w", uri, err)
	}
	return &dom.Document{ID: id, URI: uri}, nil
}

// Get looks a document up by uri.
func (r *Registry) Get(ctx context.Context, uri string) (*dom.Document, error) {
	var id uint32
	err := r.db.DB.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE uri = $1`, uri,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrDocumentNotFound, "uri %s", uri)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up document %s: %w", uri, err)
	}
	return &dom.Document{ID: id, URI: uri}, nil
}

// SetStatus updates a document's status, stamping indexed_at for INDEXED.
func (r *Registry) SetStatus(ctx context.Context, docID uint32, status string) error {
	var err error
	if status == StatusIndexed {
		_, err = r.db.DB.ExecContext(ctx,
			`UPDATE documents SET status = $1, indexed_at = NOW() WHERE id = $2`,
			status, docID)
	} else {
		_, err = r.db.DB.ExecContext(ctx,
			`UPDATE documents SET status = $1 WHERE id = $2`,
			status, docID)
	}
	if err != nil {
		return fmt.Errorf("updating status of document %d: %w", docID, err)
	}
	return nil
}

// SetStatusRetry is SetStatus with bounded retries for transient failures.
func (r *Registry) SetStatusRetry(ctx context.Context, docID uint32, status string, attempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = r.SetStatus(ctx, docID, status); err == nil {
			return nil
		}
		r.logger.Warn("status update failed, retrying",
			"doc_id", docID,
			"attempt", i+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i+1)):
		}
	}
	return err
}

// Collection returns the documents whose uri falls under the given
// collection path prefix.
func (r *Registry) Collection(ctx context.Context, prefix string) (*dom.DocumentSet, error) {
	rows, err := r.db.DB.QueryContext(ctx,
		`SELECT id, uri FROM documents WHERE uri LIKE $1 || '%' AND status <> $2 ORDER BY id`,
		prefix, StatusRemoved)
	if err != nil {
		return nil, fmt.Errorf("listing collection %s: %w", prefix, err)
	}
	defer rows.Close()
	set := dom.NewDocumentSet()
	for rows.Next() {
		var id uint32
		var uri string
		if err := rows.Scan(&id, &uri); err != nil {
			return nil, fmt.Errorf("scanning collection row: %w", err)
		}
		set.Add(&dom.Document{ID: id, URI: uri})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating collection %s: %w", prefix, err)
	}
	return set, nil
}

// Ping probes the registry's database connection.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.DB.PingContext(ctx)
}
