// Package document holds the shapes shared by every billing document:
// the guarded status transition table, the error taxonomy, and calendar
// date helpers.
package document

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals a lookup by id, number, or token with no match.
	ErrNotFound = errors.New("not_found")

	// ErrPreconditionFailed signals a structural precondition that does not
	// hold, such as deleting a sent invoice or converting an estimate that
	// already has a linked invoice.
	ErrPreconditionFailed = errors.New("precondition_failed")

	// ErrConcurrencyConflict signals that a competing writer won the race;
	// callers should re-read state and retry the whole operation.
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
)

// InvalidTransitionError reports a transition event attempted from a status
// outside its guard.
type InvalidTransitionError struct {
	Entity string
	Event  string
	Status string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from status %q", e.Entity, e.Event, e.Status)
}

// FieldError describes a single invalid field on a header or line item.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationErrors collects field-level problems found before persisting.
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

func (v *ValidationErrors) Error() string { return "validation error" }

func (v *ValidationErrors) Add(field, code, message string) {
	v.Errors = append(v.Errors, FieldError{Field: field, Code: code, Message: message})
}

// Err returns v when any field error was recorded, nil otherwise.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}
