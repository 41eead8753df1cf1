/*
errors.go - Centralized error types for the assessment engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is against the sentinels; the structured
  errors carry the context needed for messages and HTTP mapping.

ERROR CATEGORIES:
  1. Source errors - An upstream registry could not be read
  2. Ledger errors - Returns, transitions, duplicates, missing records
  3. Validation errors - Bad input from an operator or caller
  4. Batch errors - Every unit of a batch run failed

USAGE:
    if errors.Is(err, generic.ErrAlreadyReturned) {
        // 409
    }

SEE ALSO:
  - assessment/returns.go: Produces ErrAlreadyReturned / TransitionError
  - assessment/generator.go: Tolerates SourceUnavailableError per registry
  - api/handlers.go: writeDomainError maps these to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrSourceUnavailable is returned when a registry cannot be read.
	ErrSourceUnavailable = errors.New("source registry unavailable")

	// ErrAlreadyReturned is returned when a return is attempted on a record
	// whose IsReturned flag is already set. Also how a lost race surfaces.
	ErrAlreadyReturned = errors.New("assessment already returned")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed or out-of-policy input.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when the state machine forbids a move.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicate is returned when a manual creation collides with an
	// existing natural key. Generation counts these instead of failing.
	ErrDuplicate = errors.New("duplicate assessment")

	// ErrAllSourcesFailed is returned alongside the report when no registry
	// could be read during a generation run.
	ErrAllSourcesFailed = errors.New("all source registries failed")

	// ErrAllRecordsFailed is returned alongside the report when every
	// candidate of a sweep failed.
	ErrAllRecordsFailed = errors.New("all records failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SourceUnavailableError names the registry that failed.
type SourceUnavailableError struct {
	Registry string
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("registry %s unavailable", e.Registry)
	}
	return fmt.Sprintf("registry %s unavailable: %v", e.Registry, e.Err)
}

func (e *SourceUnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSourceUnavailable}
	}
	return []error{ErrSourceUnavailable, e.Err}
}

// NotFoundError provides the kind and key of the missing thing.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ValidationError provides details about a validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + " " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// TransitionError reports a status move the state machine does not allow.
type TransitionError struct {
	RecordID int64
	From     string
	To       string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("record %d: cannot move from %s to %s", e.RecordID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// AlreadyReturnedError identifies the record that was already returned.
type AlreadyReturnedError struct {
	RecordID int64
}

func (e *AlreadyReturnedError) Error() string {
	return fmt.Sprintf("record %d already returned", e.RecordID)
}

func (e *AlreadyReturnedError) Unwrap() error {
	return ErrAlreadyReturned
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict returns true if the request clashes with the record's current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyReturned) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicate)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
