package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the error taxonomy of the ledger core. Callers
// classify failures with errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrValidation covers bad or missing input (4xx-class).
	ErrValidation = errors.New("validation error")
	// ErrImmutable is returned on any attempt to modify a sealed event.
	ErrImmutable = errors.New("audit events are immutable")
	// ErrNotFound is returned by single-record lookups that miss.
	ErrNotFound = errors.New("not found")
	// ErrChainIntegrity marks a verification failure. Never auto-repaired.
	ErrChainIntegrity = errors.New("chain integrity violation")
	// ErrStorageTimeout marks a bounded-timeout expiry on a storage call.
	// Retryable.
	ErrStorageTimeout = errors.New("storage timeout")
	// ErrJobFailure marks a terminally failed report run.
	ErrJobFailure = errors.New("report job failed")
)

// IsTerminal reports whether retrying the failed operation cannot succeed:
// bad input stays bad and sealed events stay sealed. Storage timeouts and
// other transient failures are not terminal.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrImmutable)
}

// NewValidationError wraps ErrValidation with a formatted detail message.
func NewValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NewImmutabilityError wraps ErrImmutable naming the event involved.
func NewImmutabilityError(eventID string) error {
	return fmt.Errorf("%w: event %s cannot be modified", ErrImmutable, eventID)
}

// NewNotFoundError wraps ErrNotFound for a record kind and id.
func NewNotFoundError(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// NewChainIntegrityError wraps ErrChainIntegrity naming the first offending
// event so an operator can investigate.
func NewChainIntegrityError(eventID, reason string) error {
	return fmt.Errorf("%w: event %s: %s", ErrChainIntegrity, eventID, reason)
}
