package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrMissingActionID = ValidationError{Field: "actionId", Reason: "actionId is required"}
)

// ValidationError marks a malformed or missing field. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports an action refused because of current incident state,
// e.g. a claim on an incident already held by someone else.
type ConflictError struct {
	IncidentID string
	HeldBy     string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("incident %s already claimed by %s", e.IncidentID, e.HeldBy)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFound wraps ErrNotFound with the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}
