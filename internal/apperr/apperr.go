// Package apperr holds the error kinds shared by the engine packages.
//
// Callers classify failures with errors.Is against the sentinels; the HTTP
// layer maps each kind to a stable status code.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input: bad ids, missing required fields,
	// type mismatches, invalid reference targets, unknown field types.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an entity that does not exist or does not belong to
	// the requesting tenant. The two cases are deliberately not distinguished.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a duplicate client-defined name.
	ErrConflict = errors.New("conflict")
)

// ValidationError describes which field failed validation and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validation returns a ValidationError for field with a formatted reason.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFound wraps ErrNotFound with a description of what was looked up.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Conflict wraps ErrConflict with a description of the duplicate.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}
