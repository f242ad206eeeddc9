// Package projection builds the per-session relational view of a record.
//
// Every session gets its own empty schema, loaded once from the record and
// switched to read-only before the session becomes reachable. Two backends
// exist: an in-memory SQLite database per session (default) and a schema per
// session in a shared Postgres database.
package projection

import (
	"context"
	"errors"

	"github.com/teemow/health-record-mcp/internal/record"
)

// ErrClosed is returned when a projection is used after Close.
var ErrClosed = errors.New("projection closed")

// Result is the outcome of a read query.
type Result struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	// Truncated reports that more rows existed than were returned.
	Truncated bool `json:"truncated"`
}

// Projection is a session's read-only relational handle.
type Projection interface {
	// Query runs sql and returns at most maxRows rows.
	Query(ctx context.Context, sql string, maxRows int) (*Result, error)
	// Close releases the handle. A second call returns ErrClosed.
	Close() error
}

// Factory creates fully-loaded projections.
type Factory interface {
	// New allocates a fresh schema and loads rec into it. On any failure the
	// partially-built handle is released and no projection is returned.
	New(ctx context.Context, sessionID string, rec *record.Record) (Projection, error)
	// Backend names the storage backend, for metrics and logs.
	Backend() string
	// Close releases shared resources held by the factory.
	Close() error
}
