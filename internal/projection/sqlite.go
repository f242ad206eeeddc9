package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/teemow/health-record-mcp/internal/record"
)

// SQLiteFactory creates one private in-memory database per session.
type SQLiteFactory struct{}

// NewSQLiteFactory returns the default in-memory backend.
func NewSQLiteFactory() *SQLiteFactory {
	return &SQLiteFactory{}
}

// Backend implements Factory.
func (f *SQLiteFactory) Backend() string { return "sqlite" }

// Close implements Factory. There is nothing shared to release.
func (f *SQLiteFactory) Close() error { return nil }

// New implements Factory.
func (f *SQLiteFactory) New(ctx context.Context, _ string, rec *record.Record) (Projection, error) {
	// Each connection to ":memory:" is its own database, so the pool is
	// pinned to a single connection that is never recycled.
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	p := &sqliteProjection{db: db}
	if err := p.populate(ctx, rec); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

type sqliteProjection struct {
	db     *sql.DB
	closed atomic.Bool
}

func (p *sqliteProjection) populate(ctx context.Context, rec *record.Record) error {
	if err := migrate(ctx, p.db, goose.DialectSQLite3); err != nil {
		return err
	}
	if err := load(ctx, p.db, rec, questionMark); err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return fmt.Errorf("failed to make projection read-only: %w", err)
	}
	return nil
}

// Query implements Projection.
func (p *sqliteProjection) Query(ctx context.Context, query string, maxRows int) (*Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows, maxRows)
}

// Close implements Projection.
func (p *sqliteProjection) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return p.db.Close()
}
