// Package shared contains common domain types, errors and events that are used
// across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "experiment", "stats", "assignment"
	Op      string // Operation that failed, e.g., "Assign", "Plan"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching. A wrapped DomainError matches its own
// sentinel (the value it was derived from via Wrap/Detail) as well as its Kind.
func (e *DomainError) Is(target error) bool {
	if t, ok := target.(*DomainError); ok {
		return e.Domain == t.Domain && e.Op == t.Op && e.Kind == t.Kind && e.Message == t.Message
	}
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// Wrap returns a copy of the error carrying cause as its underlying error.
// The copy still matches the original with errors.Is.
func (e *DomainError) Wrap(cause error) *DomainError {
	cp := *e
	cp.Err = cause
	return &cp
}

// Detail returns a copy of the error with formatted detail attached as the cause.
func (e *DomainError) Detail(format string, args ...any) *DomainError {
	return e.Wrap(fmt.Errorf(format, args...))
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Experiment lifecycle errors
var (
	ErrIncompleteConfig       = NewDomainError("experiment", "Configure", ErrValidation, "effect size, alpha and power are required")
	ErrRunNotConfigured       = NewDomainError("experiment", "Assign", ErrStateTransition, "run has not been configured")
	ErrAlreadyAssigned        = NewDomainError("experiment", "Assign", ErrStateTransition, "run already has assignments")
	ErrRunNotCollecting       = NewDomainError("experiment", "Analyze", ErrStateTransition, "run has no assignments to analyze")
	ErrAlreadyConfigured      = NewDomainError("experiment", "Configure", ErrStateTransition, "run configuration is immutable once assigning starts")
	ErrResetNotAllowed        = NewDomainError("experiment", "Reset", ErrInvalidState, "run is collecting data; reset requires force")
	ErrRunReset               = NewDomainError("experiment", "Transition", ErrInvalidState, "run has been reset")
	ErrRunNotFound            = NewDomainError("experiment", "Find", ErrNotFound, "run not found")
	ErrInvalidRunID           = NewDomainError("experiment", "Validate", ErrInvalidID, "invalid run ID")
	ErrRunLocked              = NewDomainError("experiment", "Lock", ErrConcurrentModification, "run is locked by another process")
	ErrSubjectNotFound        = NewDomainError("experiment", "FindSubject", ErrNotFound, "subject not found")
	ErrSubjectExists          = NewDomainError("experiment", "RecordSubject", ErrAlreadyExists, "subject already recorded")
	ErrOutcomeAlreadyObserved = NewDomainError("experiment", "RecordOutcome", ErrAlreadyExists, "outcome already observed")
	ErrAssignmentConflict     = NewDomainError("experiment", "PersistAssignments", ErrAlreadyExists, "subject already assigned")
)

// Statistics errors
var (
	ErrInvalidParameter = NewDomainError("stats", "Validate", ErrValueOutOfRange, "parameter out of range")
	ErrInvalidRate      = NewDomainError("stats", "Forecast", ErrValueOutOfRange, "daily rate must be positive")
	ErrDegenerateTable  = NewDomainError("stats", "TestIndependence", ErrInvalidInput, "contingency table has an empty margin")
)

// Assignment errors
var (
	ErrEmptySubjectPool = NewDomainError("assignment", "Assign", ErrEmptyValue, "no eligible subjects")
	ErrDuplicateSubject = NewDomainError("assignment", "Assign", ErrInvalidInput, "duplicate subject identifier")
)

// Store errors
var (
	ErrStoreUnavailable = NewDomainError("store", "Request", ErrServiceUnavailable, "observation store is unavailable")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsStateError checks if the error is a lifecycle precondition violation.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrStateTransition)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrentModification)
}
