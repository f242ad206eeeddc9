package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/teemow/health-record-mcp/internal/record"
)

const schemaDropTimeout = 10 * time.Second

// PostgresFactory places each session in its own schema of a shared database.
type PostgresFactory struct {
	admin *sql.DB
	// open returns a handle whose search_path is pinned to schema.
	open    func(schema string) (*sql.DB, error)
	migrate func(ctx context.Context, db *sql.DB) error
}

// NewPostgresFactory connects to dsn and verifies the connection.
func NewPostgresFactory(ctx context.Context, dsn string) (*PostgresFactory, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}

	admin := stdlib.OpenDB(*connConfig)
	if err := admin.PingContext(ctx); err != nil {
		_ = admin.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	open := func(schema string) (*sql.DB, error) {
		cfg := connConfig.Copy()
		if cfg.RuntimeParams == nil {
			cfg.RuntimeParams = make(map[string]string)
		}
		cfg.RuntimeParams["search_path"] = schema
		db := stdlib.OpenDB(*cfg)
		db.SetMaxOpenConns(2)
		return db, nil
	}

	return newPostgresFactory(admin, open, func(ctx context.Context, db *sql.DB) error {
		return migrate(ctx, db, goose.DialectPostgres)
	}), nil
}

func newPostgresFactory(admin *sql.DB, open func(string) (*sql.DB, error), mig func(context.Context, *sql.DB) error) *PostgresFactory {
	return &PostgresFactory{admin: admin, open: open, migrate: mig}
}

// Backend implements Factory.
func (f *PostgresFactory) Backend() string { return "postgres" }

// Close implements Factory.
func (f *PostgresFactory) Close() error {
	return f.admin.Close()
}

// schemaName derives a stable, identifier-safe schema name from a session id.
func schemaName(sessionID string) string {
	return "session_" + strings.ReplaceAll(strings.ToLower(sessionID), "-", "")
}

// New implements Factory.
func (f *PostgresFactory) New(ctx context.Context, sessionID string, rec *record.Record) (Projection, error) {
	schema := schemaName(sessionID)
	quoted := pgx.Identifier{schema}.Sanitize()

	if _, err := f.admin.ExecContext(ctx, "CREATE SCHEMA "+quoted); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	p := &postgresProjection{admin: f.admin, schema: quoted}
	db, err := f.open(schema)
	if err != nil {
		p.dropSchema()
		return nil, fmt.Errorf("failed to open session connection: %w", err)
	}
	p.db = db

	if err := f.migrate(ctx, db); err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := load(ctx, db, rec, dollarNumber); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

type postgresProjection struct {
	admin  *sql.DB
	db     *sql.DB
	schema string // already quoted
	closed atomic.Bool
}

// Query implements Projection. Statements run inside a READ ONLY transaction
// that is always rolled back.
func (p *postgresProjection) Query(ctx context.Context, query string, maxRows int) (*Result, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows, maxRows)
}

// Close implements Projection. The session schema is dropped with everything in it.
func (p *postgresProjection) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	var closeErr error
	if p.db != nil {
		closeErr = p.db.Close()
	}
	if err := p.dropSchema(); err != nil {
		return err
	}
	return closeErr
}

func (p *postgresProjection) dropSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), schemaDropTimeout)
	defer cancel()
	if _, err := p.admin.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+p.schema+" CASCADE"); err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}
	return nil
}
