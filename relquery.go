// Package relquery composes SQL queries from flat string-keyed filters, sort
// keys and eager-load schemas resolved against declared entity structs, and
// manages context-scoped transactional sessions with savepoint nesting.
package relquery

import (
	"context"
	"log/slog"

	"github.com/theory-cloud/relquery/pkg/engine"
	"github.com/theory-cloud/relquery/pkg/entity"
	"github.com/theory-cloud/relquery/pkg/operator"
	"github.com/theory-cloud/relquery/pkg/query"
	"github.com/theory-cloud/relquery/pkg/session"
)

// Re-exported composition types, so common use needs only this package.
type (
	// Eager is a nested eager-load schema keyed by relation name
	Eager = query.Eager
	// Node pairs an eager strategy with a nested schema
	Node = query.Node
	// Strategy selects how an eager-loaded relation is fetched
	Strategy = query.Strategy
	// Config configures the relational engine
	Config = engine.Config
)

// Eager-load strategies
const (
	StrategyJoined   = query.StrategyJoined
	StrategySubquery = query.StrategySubquery
)

// DB aggregates the engine, the entity and operator registries, the session
// manager and the persistence store behind one handle.
type DB struct {
	Engine    *engine.Engine
	Entities  *entity.Registry
	Operators *operator.Registry
	Sessions  *session.Manager
	Store     *query.Store
}

// Option customizes an Open call
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for session lifecycle and savepoint warnings
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Open connects the engine and wires the registries and session manager.
// A nil config selects the in-memory sqlite default.
func Open(cfg *Config, opts ...Option) (*DB, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	eng, err := engine.Open(cfg)
	if err != nil {
		return nil, err
	}

	entities := entity.NewRegistry()
	return &DB{
		Engine:    eng,
		Entities:  entities,
		Operators: operator.Default(),
		Sessions:  session.NewManager(eng, session.WithLogger(o.logger)),
		Store:     query.NewStore(entities),
	}, nil
}

// Register declares an entity type on the DB's registry
func (db *DB) Register(model any, opts ...entity.Option) error {
	return db.Entities.Register(model, opts...)
}

// Model starts a query against a registered entity type
func (db *DB) Model(model any) *query.Query {
	return query.New(db.Entities, db.Operators, model)
}

// Scope runs fn inside a session scope; see session.Manager.Scope
func (db *DB) Scope(ctx context.Context, fn func(ctx context.Context) error, opts ...session.ScopeOption) error {
	return db.Sessions.Scope(ctx, fn, opts...)
}

// Close releases the engine's connection pools
func (db *DB) Close() error {
	return db.Engine.Close()
}

// For starts a query against the registered entity type T.
func For[T any](db *DB) *query.Query {
	var zero T
	return query.New(db.Entities, db.Operators, &zero)
}

// Atomic runs fn inside a savepoint on the current scope's session
func Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return session.Atomic(ctx, fn)
}
