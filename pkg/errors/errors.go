// Package errors defines error types and utilities for relquery
package errors

import (
	"errors"
	"fmt"
)

// Common errors that can occur when composing or executing queries
var (
	// ErrInvalidPath is returned when a filter/sort key references an unknown
	// relation segment or combines a hybrid method with an operator suffix
	ErrInvalidPath = errors.New("invalid path")

	// ErrInvalidAttribute is returned when a leaf attribute is not in the
	// entity's filterable or sortable set
	ErrInvalidAttribute = errors.New("invalid attribute")

	// ErrUnknownOperator is returned when an operator suffix is not registered
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrInvalidEagerStrategy is returned for unrecognized eager-load strategy tags
	ErrInvalidEagerStrategy = errors.New("invalid eager strategy")

	// ErrNotFound is returned when a single-result fetch matches zero rows
	ErrNotFound = errors.New("not found")

	// ErrMultipleResults is returned when a single-result fetch matches more than one row
	ErrMultipleResults = errors.New("multiple results found")

	// ErrSessionNotInitialized is returned when the session is accessed outside a scope
	ErrSessionNotInitialized = errors.New("session not initialized")

	// ErrInvalidEntity is returned when an entity declaration is not a struct
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrEntityNotRegistered is returned when a relation targets an undeclared entity
	ErrEntityNotRegistered = errors.New("entity not registered")

	// ErrMissingPrimaryKey is returned when an entity declares no primary key
	ErrMissingPrimaryKey = errors.New("missing primary key")

	// ErrDuplicatePrimaryKey is returned when multiple primary keys are defined
	ErrDuplicatePrimaryKey = errors.New("duplicate primary key definition")

	// ErrInvalidTag is returned when a struct tag is invalid
	ErrInvalidTag = errors.New("invalid struct tag")

	// ErrInvalidValue is returned when an operator receives a value it cannot use
	ErrInvalidValue = errors.New("invalid value")
)

// NotFoundError reports a zero-row single-result fetch, naming the entity.
type NotFoundError struct {
	Entity string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	if e == nil || e.Entity == "" {
		return "relquery: not found"
	}
	return fmt.Sprintf("relquery: %s not found", e.Entity)
}

// Unwrap makes NotFoundError match ErrNotFound via errors.Is
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// Error represents a detailed error with composition context
type Error struct {
	Err    error
	Op     string
	Entity string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("relquery: %s %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("relquery: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target error
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new Error
func NewError(op, entity string, err error) *Error {
	return &Error{
		Op:     op,
		Entity: entity,
		Err:    err,
	}
}

// IsNotFound checks if an error indicates a zero-row single-result fetch
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidPath checks if an error indicates a malformed or unknown relation path
func IsInvalidPath(err error) bool {
	return errors.Is(err, ErrInvalidPath)
}

// IsInvalidAttribute checks if an error indicates an unknown leaf attribute
func IsInvalidAttribute(err error) bool {
	return errors.Is(err, ErrInvalidAttribute)
}

// IsUnknownOperator checks if an error indicates an unregistered operator suffix
func IsUnknownOperator(err error) bool {
	return errors.Is(err, ErrUnknownOperator)
}
