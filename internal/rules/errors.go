package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the store.
var (
	// ErrValidation marks input rejected before any write happened.
	ErrValidation = errors.New("rules: validation failed")

	// ErrNotFound marks an operation on a missing group or host id.
	ErrNotFound = errors.New("rules: not found")

	// ErrConflict is returned when the document kept changing underneath a
	// write until the retry budget ran out.
	ErrConflict = errors.New("rules: concurrent modification")

	// ErrReentrant is returned when a change listener tries to mutate the
	// store that is notifying it.
	ErrReentrant = errors.New("rules: mutation from inside a change listener")

	// errUnchanged tells mutate the edit left the document as it was, so
	// nothing is saved or published.
	errUnchanged = errors.New("rules: no change")
)

// ValidationError describes a rejected field. It wraps ErrValidation.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NotFoundError names the missing object. It wraps ErrNotFound.
type NotFoundError struct {
	Kind string // "group" or "host"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func invalid(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

func groupNotFound(id string) error {
	return &NotFoundError{Kind: "group", ID: id}
}

func hostNotFound(id string) error {
	return &NotFoundError{Kind: "host", ID: id}
}
