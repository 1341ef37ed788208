package storage

import (
	"errors"
	"fmt"
)

// Error taxonomy visible to callers. Every fallible operation in the core
// surfaces one of these five kinds; messages are for humans only.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned on unique violations and single-writer refusals.
	ErrConflict = errors.New("conflict")
	// ErrValidation is returned for bad input from commands or the API.
	ErrValidation = errors.New("validation failed")
	// ErrTransient marks an operation worth retrying.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks an operation that must not be retried.
	ErrPermanent = errors.New("permanent failure")
)

// ConflictError wraps ErrConflict with the constraint that was violated.
type ConflictError struct {
	Constraint string
	Detail     string
}

func (e *ConflictError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("conflict on %s", e.Constraint)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Constraint, e.Detail)
}

// Unwrap lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Unwrap() error { return ErrConflict }

// NewConflict builds a ConflictError for the named constraint.
func NewConflict(constraint, detail string) error {
	return &ConflictError{Constraint: constraint, Detail: detail}
}

// ValidationError wraps ErrValidation with the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidation builds a ValidationError for the named field.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsRetryable reports whether an error from the store may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
