package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned on optimistic/state conflicts: wrong object
	// holder, gate state mismatch, duplicate unique key on a non-idempotent
	// write. Callers may retry after refetching.
	ErrConflict = errors.New("conflict")

	// ErrForbidden is returned when the caller lacks the required role or is
	// not the owner/member.
	ErrForbidden = errors.New("forbidden")

	// ErrInsufficientFunds is returned when a wallet debit would go negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRateLimited is returned when a per-author cooldown is active.
	ErrRateLimited = errors.New("rate limited")

	// ErrGateNotOpen is returned for votes/stakes outside the open window.
	ErrGateNotOpen = errors.New("gate not open")

	// ErrOptionInvalid is returned when an option is not among a gate's options.
	ErrOptionInvalid = errors.New("option invalid")

	// ErrTimeout is returned when a request deadline expired. Callers may
	// retry idempotent operations.
	ErrTimeout = errors.New("deadline exceeded")

	// ErrStorage wraps infrastructure faults. Idempotent operations are
	// retried internally with bounded backoff before this surfaces.
	ErrStorage = errors.New("storage error")
)

// ValidationError wraps field-specific validation failures: unknown ids,
// values out of range, malformed input, change magnitude over budget.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
