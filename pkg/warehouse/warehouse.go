// Package warehouse wraps a Postgres connection for the two concerns the
// ETL pipeline needs from the source/sink warehouse: schema-adaptive paged
// reads from arbitrary source tables, and idempotent batch writes into the
// master log table and its job bookkeeping table.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// DB is the minimal surface Warehouse needs, so tests can substitute a
// sqlmock-backed *sql.DB for the real pgx driver.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Warehouse is the Postgres-backed implementation used by both the
// Extractor (reads) and the Loader (writes).
type Warehouse struct {
	db DB
}

// Connect opens a pgx-backed *sql.DB against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Warehouse, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("warehouse: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("warehouse: ping: %w", err)
	}
	return &Warehouse{db: db}, nil
}

// New wraps an already-open DB, for tests that supply a sqlmock connection.
func New(db DB) *Warehouse {
	return &Warehouse{db: db}
}

// Raw exposes the underlying connection so other packages (the Job Store's
// PostgresRepository) can share it instead of opening a second pool.
func (w *Warehouse) Raw() DB {
	return w.db
}

// Close releases the underlying connection, if it owns one directly.
func (w *Warehouse) Close() {
	if closer, ok := w.db.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// Exec runs a statement with no result rows expected, returning affected count.
func (w *Warehouse) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := w.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Query runs a statement and returns the matching rows.
func (w *Warehouse) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return w.db.QueryContext(ctx, query, args...)
}
