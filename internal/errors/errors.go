// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	// ErrInvalidComparator is returned for a comparator outside gt/lt/eq.
	// It is never coerced to a default.
	ErrInvalidComparator = errors.New("invalid comparator")
	// ErrMisconfiguredAlert marks an alert missing the fields its kind requires.
	ErrMisconfiguredAlert = errors.New("misconfigured alert")
	// ErrNoObservation means the instrument has no price history yet.
	ErrNoObservation = errors.New("no observation")

	ErrDataNotFound    = errors.New("data not found")
	ErrDatabaseError   = errors.New("database error")
	ErrConfigInvalid   = errors.New("invalid configuration")
	ErrInputValidation = errors.New("input validation failed")
	ErrNoQuote         = errors.New("no quote available")
	ErrRateLimited     = errors.New("rate limited")
	ErrTimeout         = errors.New("operation timed out")
)

// CollaboratorError represents a failure of an external collaborator
// (alert store, observation store, price source).
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// NewCollaboratorError creates a new CollaboratorError.
func NewCollaboratorError(collaborator, op string, err error) *CollaboratorError {
	return &CollaboratorError{
		Collaborator: collaborator,
		Op:           op,
		Err:          err,
	}
}

// AlertError ties an evaluation error to the alert that produced it.
type AlertError struct {
	AlertID string
	Reason  string
	Err     error
}

func (e *AlertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("alert %s: %v: %s", e.AlertID, e.Err, e.Reason)
	}
	return fmt.Sprintf("alert %s: %v", e.AlertID, e.Err)
}

func (e *AlertError) Unwrap() error {
	return e.Err
}

// NewAlertError creates a new AlertError.
func NewAlertError(alertID, reason string, err error) *AlertError {
	return &AlertError{
		AlertID: alertID,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// SkipReason classifies an evaluation error for reporting.
func SkipReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidComparator):
		return "invalid_comparator"
	case errors.Is(err, ErrMisconfiguredAlert):
		return "misconfigured"
	default:
		return "error"
	}
}
