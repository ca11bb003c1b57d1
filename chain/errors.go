/*
errors.go - Centralized error types for the chain engine

ERROR CATEGORIES:
  1. Expected outcomes  - duplicate idempotency key (handled internally)
  2. Client errors      - invalid input, key reused by another user
  3. Not found          - referenced user absent
  4. Contention         - write conflict after the bounded retry
  5. Store failures     - wrapped with ErrTransactionFailed context

A duplicate submission is NOT an error at the API surface: RecordCompletion
returns the existing aggregate with AlreadyProcessed set.
*/
package chain

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned by stores when the unique
	// constraint on the idempotency key rejects an insert.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyKeyReused is returned when a key already recorded for one
	// user is submitted by another.
	ErrIdempotencyKeyReused = errors.New("idempotency key already used by another user")

	// ErrUserNotFound is returned when the referenced user has no record.
	ErrUserNotFound = errors.New("user not found")

	// ErrWriteConflict is returned when the duplicate-key race persists past
	// the bounded retry.
	ErrWriteConflict = errors.New("write conflict on idempotency key")

	// ErrInvalidInput is returned for malformed operation input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransactionFailed wraps store failures surfaced to callers.
	ErrTransactionFailed = errors.New("transaction failed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InputError names the offending field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// alreadyRecorded aborts the write transaction when the key exists.
type alreadyRecorded struct {
	event CompletionEvent
}

func (e *alreadyRecorded) Error() string {
	return fmt.Sprintf("idempotency key %q already recorded as event %d", e.event.IdempotencyKey, e.event.ID)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrIdempotencyKeyReused)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrIdempotencyKeyReused) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransactionFailed, op, err)
}
