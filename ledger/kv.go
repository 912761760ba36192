/*
kv.go - Ordered key-value persistence interface

PURPOSE:
  The ledger is a small bespoke database layered over an embedded ordered
  key-value store. This file defines the contract such a store must meet:
  named keyspaces (one per topology, like column families), byte-ordered
  keys, half-open range scans in either direction, and atomic batches that
  span every keyspace.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite, one WITHOUT ROWID table per keyspace

ATOMIC BATCHES:
  Update() runs fn against a Writer; all writes become visible together
  when fn returns nil and none do when it returns an error. RecordOps puts
  every topology's writes for a call into one Update, so a failure can never
  leave the orderings mutually inconsistent.

SEE ALSO:
  - db.go: the only caller of Update
*/
package ledger

import (
	"context"
	"errors"
)

// ErrStopIteration may be returned from a Scan callback to end the scan
// early without error.
var ErrStopIteration = errors.New("stop iteration")

// Range is a half-open key interval [From, Till). A nil Till means "to the
// end of the keyspace".
type Range struct {
	From    []byte
	Till    []byte
	Reverse bool
}

// KVReader reads from an ordered key-value store.
type KVReader interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, keyspace string, key []byte) ([]byte, error)

	// Scan calls fn for every pair in r, in key order (descending when
	// r.Reverse). fn must not retain key or value.
	Scan(ctx context.Context, keyspace string, r Range, fn func(key, value []byte) error) error
}

// KVWriter is a KVReader that can also modify the store. Reads through a
// writer observe its own uncommitted writes.
type KVWriter interface {
	KVReader
	Put(ctx context.Context, keyspace string, key, value []byte) error
	Delete(ctx context.Context, keyspace string, key []byte) error
}

// KV is an ordered key-value store with atomic multi-keyspace batches.
type KV interface {
	KVReader

	// View executes fn against a consistent read-only view.
	View(ctx context.Context, fn func(KVReader) error) error

	// Update executes fn within one atomic batch.
	Update(ctx context.Context, fn func(KVWriter) error) error

	Close() error
}
