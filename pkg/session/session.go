// Package session provides the context-scoped transactional session relquery
// queries execute against.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Session is a lazily-initialized unit of work bound to a scope. The
// transaction begins on the first statement; Commit and Rollback end it
// unless a savepoint is open, in which case Commit degrades to Flush and
// Rollback is refused (see Nested).
type Session struct {
	db         *sql.DB
	logger     *slog.Logger
	tx         *sql.Tx
	savepoints []string
	mu         sync.Mutex
}

func newSession(db *sql.DB, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{db: db, logger: logger}
}

// begin lazily starts the underlying transaction
func (s *Session) begin(ctx context.Context) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked(ctx)
}

func (s *Session) beginLocked(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return tx, nil
}

// ExecContext executes a statement inside the session's transaction
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the session's transaction
func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the session's transaction.
// When the transaction cannot begin the statement must not run against the
// pool outside the scope's isolation, so the row is issued on an already
// cancelled context and the failure surfaces on Scan.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	tx, err := s.begin(ctx)
	if err != nil {
		s.logger.Warn("failed to begin transaction for row query", slog.Any("error", err))
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		return s.db.QueryRowContext(cancelled, query, args...)
	}
	return tx.QueryRowContext(ctx, query, args...)
}

// Flush makes pending changes visible inside the current transaction without
// ending it. Statements execute as they are issued, so Flush only has to
// ensure the transaction is open; generated keys and column defaults are
// already readable.
func (s *Session) Flush(ctx context.Context) error {
	_, err := s.begin(ctx)
	return err
}

// InNested reports whether a savepoint is currently open
func (s *Session) InNested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.savepoints) > 0
}

// Commit ends the transaction. Inside a nested savepoint it instead flushes
// pending changes and leaves the savepoint open: committing the outer
// transaction from inside a savepoint would end the savepoint prematurely,
// which is almost never the caller's intent.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	if len(s.savepoints) > 0 {
		s.mu.Unlock()
		s.logger.Debug("commit inside nested savepoint downgraded to flush")
		return s.Flush(ctx)
	}
	defer s.mu.Unlock()
	return s.commitLocked()
}

func (s *Session) commitLocked() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

// Rollback aborts the transaction. Inside a nested savepoint the call is
// refused with a warning: rolling back the outer transaction from inside a
// savepoint is a caller misunderstanding, not a data error.
func (s *Session) Rollback(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.savepoints) > 0 {
		s.logger.Warn("rollback inside nested savepoint ignored",
			slog.String("savepoint", s.savepoints[len(s.savepoints)-1]))
		return nil
	}
	return s.rollbackLocked()
}

func (s *Session) rollbackLocked() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

// Nested runs fn inside a savepoint. The savepoint is released when fn
// returns nil and rolled back when it returns an error; either way the outer
// transaction stays open. Savepoints nest to arbitrary depth.
func (s *Session) Nested(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}

	name := savepointName()
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to begin savepoint: %w", err)
	}

	s.mu.Lock()
	s.savepoints = append(s.savepoints, name)
	s.mu.Unlock()

	err = fn(ctx)

	s.mu.Lock()
	s.savepoints = s.savepoints[:len(s.savepoints)-1]
	s.mu.Unlock()

	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			s.logger.Warn("savepoint rollback failed", slog.String("savepoint", name), slog.Any("error", rbErr))
		}
		if _, relErr := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			s.logger.Warn("savepoint release failed", slog.String("savepoint", name), slog.Any("error", relErr))
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// closeScope finalizes the session when its scope exits, bypassing the
// nested-savepoint redefinition (no savepoint can be open at scope exit).
func (s *Session) closeScope(scopeErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scopeErr != nil {
		return s.rollbackLocked()
	}
	return s.commitLocked()
}

func savepointName() string {
	return "sp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
