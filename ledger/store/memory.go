// Package store provides in-process KV backends for the ledger.
package store

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/warp/inventory-ledger/ledger"
)

// =============================================================================
// MEMORY KV - In-memory ordered store (for testing/dev)
// =============================================================================

// Memory keeps each keyspace as a slice sorted by key.
type Memory struct {
	mu     sync.RWMutex
	spaces map[string][]entry
}

type entry struct {
	key   []byte
	value []byte
}

func NewMemory() *Memory {
	return &Memory{spaces: make(map[string][]entry)}
}

func (m *Memory) Get(ctx context.Context, keyspace string, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(ctx, keyspace, key)
}

func (m *Memory) Scan(ctx context.Context, keyspace string, r ledger.Range, fn func(key, value []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanLocked(ctx, keyspace, r, fn)
}

// View runs fn under the read lock, so fn sees no concurrent writes.
func (m *Memory) View(ctx context.Context, fn func(ledger.KVReader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(readView{m: m})
}

// Update runs fn under the write lock. Every write is journaled and the
// journal is replayed backwards when fn fails.
func (m *Memory) Update(ctx context.Context, fn func(ledger.KVWriter) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &txView{m: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces = make(map[string][]entry)
	return nil
}

// =============================================================================
// LOCKED PRIMITIVES
// =============================================================================

func (m *Memory) find(keyspace string, key []byte) (int, bool) {
	space := m.spaces[keyspace]
	i := sort.Search(len(space), func(i int) bool { return bytes.Compare(space[i].key, key) >= 0 })
	return i, i < len(space) && bytes.Equal(space[i].key, key)
}

func (m *Memory) getLocked(ctx context.Context, keyspace string, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i, ok := m.find(keyspace, key)
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return bytes.Clone(m.spaces[keyspace][i].value), nil
}

func (m *Memory) scanLocked(ctx context.Context, keyspace string, r ledger.Range, fn func(key, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	space := m.spaces[keyspace]
	lo, hi := 0, len(space)
	if r.From != nil {
		lo = sort.Search(len(space), func(i int) bool { return bytes.Compare(space[i].key, r.From) >= 0 })
	}
	if r.Till != nil {
		hi = sort.Search(len(space), func(i int) bool { return bytes.Compare(space[i].key, r.Till) >= 0 })
	}

	visit := func(i int) error { return fn(space[i].key, space[i].value) }
	var err error
	if r.Reverse {
		for i := hi - 1; i >= lo && err == nil; i-- {
			err = visit(i)
		}
	} else {
		for i := lo; i < hi && err == nil; i++ {
			err = visit(i)
		}
	}
	if errors.Is(err, ledger.ErrStopIteration) {
		return nil
	}
	return err
}

// putLocked stores value at key and returns the previous value, if any.
func (m *Memory) putLocked(keyspace string, key, value []byte) ([]byte, bool) {
	space := m.spaces[keyspace]
	i, ok := m.find(keyspace, key)
	if ok {
		prev := space[i].value
		space[i].value = bytes.Clone(value)
		return prev, true
	}
	space = append(space, entry{})
	copy(space[i+1:], space[i:])
	space[i] = entry{key: bytes.Clone(key), value: bytes.Clone(value)}
	m.spaces[keyspace] = space
	return nil, false
}

// deleteLocked removes key and returns the removed value, if any.
func (m *Memory) deleteLocked(keyspace string, key []byte) ([]byte, bool) {
	space := m.spaces[keyspace]
	i, ok := m.find(keyspace, key)
	if !ok {
		return nil, false
	}
	prev := space[i].value
	m.spaces[keyspace] = append(space[:i], space[i+1:]...)
	return prev, true
}

// =============================================================================
// VIEWS
// =============================================================================

type readView struct{ m *Memory }

func (v readView) Get(ctx context.Context, keyspace string, key []byte) ([]byte, error) {
	return v.m.getLocked(ctx, keyspace, key)
}

func (v readView) Scan(ctx context.Context, keyspace string, r ledger.Range, fn func(key, value []byte) error) error {
	return v.m.scanLocked(ctx, keyspace, r, fn)
}

// undo restores one key to its state before a write.
type undo struct {
	keyspace string
	key      []byte
	value    []byte
	existed  bool
}

type txView struct {
	m       *Memory
	journal []undo
}

func (v *txView) Get(ctx context.Context, keyspace string, key []byte) ([]byte, error) {
	return v.m.getLocked(ctx, keyspace, key)
}

func (v *txView) Scan(ctx context.Context, keyspace string, r ledger.Range, fn func(key, value []byte) error) error {
	return v.m.scanLocked(ctx, keyspace, r, fn)
}

func (v *txView) Put(ctx context.Context, keyspace string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prev, existed := v.m.putLocked(keyspace, key, value)
	v.journal = append(v.journal, undo{keyspace: keyspace, key: bytes.Clone(key), value: prev, existed: existed})
	return nil
}

func (v *txView) Delete(ctx context.Context, keyspace string, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prev, existed := v.m.deleteLocked(keyspace, key)
	if existed {
		v.journal = append(v.journal, undo{keyspace: keyspace, key: bytes.Clone(key), value: prev, existed: true})
	}
	return nil
}

func (v *txView) rollback() {
	for i := len(v.journal) - 1; i >= 0; i-- {
		u := v.journal[i]
		if u.existed {
			v.m.putLocked(u.keyspace, u.key, u.value)
		} else {
			v.m.deleteLocked(u.keyspace, u.key)
		}
	}
	v.journal = nil
}

var _ ledger.KV = (*Memory)(nil)
