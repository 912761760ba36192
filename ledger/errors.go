/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place. Every failure surfaces as one of the
  sentinels below, usually wrapped in a structured error that carries a
  human-readable message. There is no automatic retry: callers treat any
  error from RecordOps as a failed mutation, and the atomic KV batch leaves
  prior state untouched.

ERROR CATEGORIES:
  1. Storage errors - embedded store read/write failures
  2. Decode errors - stored bytes that do not parse
  3. Conflicts - the declared "before" state does not match what is stored
  4. Not supported - a topology cannot serve a query shape
  5. Invalid mutations and invariant violations

SEE ALSO:
  - db.go: RecordOps, which rolls back on any of these
  - api/handlers.go: maps these errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStorage is returned when the embedded store fails a read or write.
	ErrStorage = errors.New("storage failure")

	// ErrDecode is returned when stored bytes do not parse into a record.
	ErrDecode = errors.New("decode failure")

	// ErrConflict is returned when a mutation's Before does not match the
	// stored operation, or an insert targets an occupied key.
	ErrConflict = errors.New("optimistic concurrency conflict")

	// ErrNotSupported is returned by a topology whose key layout cannot
	// serve a query shape. Db moves on to the next topology.
	ErrNotSupported = errors.New("query not supported by topology")

	// ErrInvalidMutation is returned for malformed mutations.
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrInvariant is returned when a mutation does not settle or a stored
	// chain is inconsistent.
	ErrInvariant = errors.New("ledger invariant violated")

	// ErrInvalidRange is returned by report queries whose till precedes from.
	ErrInvalidRange = errors.New("invalid date range")

	// ErrNotFound is returned by KV backends for absent keys.
	ErrNotFound = errors.New("key not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConflictError describes an optimistic-concurrency failure.
type ConflictError struct {
	Topology string
	OpID     string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on op %s in %s: %s", e.OpID, e.Topology, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// DecodeError describes a record that failed to parse.
type DecodeError struct {
	Keyspace string
	Key      []byte
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s/%x: %v", e.Keyspace, e.Key, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// StorageError wraps a backend failure.
type StorageError struct {
	Op       string
	Keyspace string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Keyspace, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMutation, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsConflict returns true for optimistic-concurrency failures.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsClientError returns true if the error is due to caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidMutation) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidRange)
}
