package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/theory-cloud/relquery/pkg/core"
	"github.com/theory-cloud/relquery/pkg/errors"
)

// Manager creates session scopes against an engine
type Manager struct {
	engine core.Engine
	logger *slog.Logger
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger used for scope lifecycle and savepoint warnings
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager
func NewManager(engine core.Engine, opts ...ManagerOption) *Manager {
	m := &Manager{engine: engine, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type scopeKeyType struct{}

var scopeKey scopeKeyType

// scopeState is the per-scope ambient state carried in the context. The
// session inside it is created lazily on first use.
type scopeState struct {
	manager    *Manager
	session    *Session
	id         string
	connection string
	mu         sync.Mutex
}

// ScopeOption customizes a single scope
type ScopeOption func(*scopeState)

// WithConnection routes the scope's session to a named engine connection
// instead of the default pool.
func WithConnection(name string) ScopeOption {
	return func(s *scopeState) { s.connection = name }
}

// WithConnectionDSN registers a DSN under name and routes the scope to it.
// Registration errors surface when the session is first used.
func WithConnectionDSN(name, dsn string) ScopeOption {
	return func(s *scopeState) {
		_ = s.manager.engine.RegisterDSN(name, dsn)
		s.connection = name
	}
}

// Scope runs fn with a session bound to the context's dynamic extent. The
// session is created lazily on first FromContext use; at exit it is
// committed when fn returned nil and rolled back otherwise, then unbound.
// Errors from fn propagate unchanged; a commit failure replaces a nil error.
func (m *Manager) Scope(ctx context.Context, fn func(ctx context.Context) error, opts ...ScopeOption) error {
	state := &scopeState{manager: m, id: uuid.NewString()}
	for _, opt := range opts {
		opt(state)
	}

	ctx = context.WithValue(ctx, scopeKey, state)
	m.logger.Debug("session scope enter", slog.String("scope", state.id))

	err := fn(ctx)

	state.mu.Lock()
	sess := state.session
	state.session = nil
	state.mu.Unlock()

	if sess != nil {
		if closeErr := sess.closeScope(err); closeErr != nil {
			if err == nil {
				err = closeErr
			} else {
				m.logger.Warn("scope rollback failed",
					slog.String("scope", state.id), slog.Any("error", closeErr))
			}
		}
	}

	m.logger.Debug("session scope exit", slog.String("scope", state.id), slog.Bool("ok", err == nil))
	return err
}

// FromContext returns the session bound to the current scope, creating it on
// first use. Outside any scope it fails with ErrSessionNotInitialized.
func FromContext(ctx context.Context) (*Session, error) {
	state, ok := ctx.Value(scopeKey).(*scopeState)
	if !ok || state == nil {
		return nil, fmt.Errorf("%w: no enclosing session scope", errors.ErrSessionNotInitialized)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session == nil {
		db, err := state.manager.engine.DB(state.connection)
		if err != nil {
			return nil, err
		}
		state.session = newSession(db, state.manager.logger)
	}
	return state.session, nil
}

// Atomic runs fn inside a savepoint on the current scope's session.
func Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := FromContext(ctx)
	if err != nil {
		return err
	}
	return sess.Nested(ctx, fn)
}
