// Package core defines the interface seams between the query layer and the
// relational-engine collaborator.
package core

import (
	"context"
	"database/sql"
)

// Executor is the minimal statement-execution surface the query layer needs.
// Both *sql.DB and the scoped session satisfy it; tests may fake it.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Engine is the relational-engine boundary: it owns connection pools and
// hands them out by name. The zero name selects the default pool.
type Engine interface {
	// DB returns the pool registered under name, opening it on first use.
	DB(name string) (*sql.DB, error)

	// RegisterDSN makes a named DSN available for later DB calls. Used for
	// per-scope custom connection parameters.
	RegisterDSN(name, dsn string) error

	// Close releases every pool the engine owns.
	Close() error
}
