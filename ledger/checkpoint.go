/*
checkpoint.go - Monthly balance snapshots

PURPOSE:
  A checkpoint topology stores, for every month boundary D and every chain,
  the cumulative balance of all operations in that chain dated strictly
  before D. Reports start from the checkpoint at the first day of the month
  and fold only that month's operations, so their cost is bounded by one
  month of traffic instead of the whole history.

LATEST CHECKPOINT DATE:
  Each topology records (in the meta keyspace) the month boundary up to
  which its checkpoints are complete. A change dated at or after it first
  copies the latest slot forward into every month up to the change's next
  month boundary, so quiet months still have a valid snapshot. Boundaries
  after the latest date are never written; readers asking for one use the
  latest slot, which is equal by construction.

UPDATE:
  Update consumes the Change stream produced by the mutation engine, not
  the caller's raw mutation. Every put and delete, including dependents and
  Auto-cost rewrites far down a chain, reaches the checkpoints, so
  soundness survives backdated edits.

TOPOLOGIES:
  CheckpointStoreDate  cps_store_date  store | date | goods | batch
  CheckpointDateStore  cps_date_store  date | store | goods | batch

  Db applies each change to both before the next one, so their slots always
  agree. Reads of a whole month slot (copy forward, snapshots) use the
  date-first layout, whose slot is one key prefix.
*/
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Change is the net effect of one put or delete on a chain, dated at the
// operation's date.
type Change struct {
	Store uuid.UUID
	Goods uuid.UUID
	Batch Batch
	Date  time.Time
	Delta BalanceDelta
}

// CheckpointTopology is one keyed copy of the monthly snapshots.
type CheckpointTopology interface {
	Name() string
	Keyspace() string

	GetBalance(ctx context.Context, r KVReader, key Balance) (*Balance, error)
	SetBalance(ctx context.Context, w KVWriter, b Balance) error
	DelBalance(ctx context.Context, w KVWriter, key Balance) error

	// LatestCheckpointDate returns the zero time when nothing has been
	// checkpointed yet.
	LatestCheckpointDate(ctx context.Context, r KVReader) (time.Time, error)
	SetLatestCheckpointDate(ctx context.Context, w KVWriter, date time.Time) error

	// Checkpoint queries for the slot at exactly date.
	CheckpointsForStore(ctx context.Context, r KVReader, store uuid.UUID, date time.Time) ([]Balance, error)
	CheckpointsForGoods(ctx context.Context, r KVReader, store, goods uuid.UUID, date time.Time) ([]Balance, error)
	CheckpointsForAll(ctx context.Context, r KVReader, date time.Time) ([]Balance, error)

	Update(ctx context.Context, w KVWriter, c Change) error

	each(ctx context.Context, r KVReader, fn func(Balance) error) error
}

// =============================================================================
// SHARED IMPLEMENTATION
// =============================================================================

type checkpointBase struct {
	name     string
	keyspace string
	encode   func(Balance) []byte
	// slots serves whole-month slot reads for copyForward. Every
	// checkpoint topology holds the same balances, so it need not be this
	// one.
	slots CheckpointTopology
}

func (t *checkpointBase) Name() string     { return t.name }
func (t *checkpointBase) Keyspace() string { return t.keyspace }

func (t *checkpointBase) GetBalance(ctx context.Context, r KVReader, key Balance) (*Balance, error) {
	k := t.encode(key)
	v, err := r.Get(ctx, t.keyspace, k)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b, err := decodeBalance(t.keyspace, k, v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *checkpointBase) SetBalance(ctx context.Context, w KVWriter, b Balance) error {
	v, err := encodeBalance(b)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return w.Put(ctx, t.keyspace, t.encode(b), v)
}

func (t *checkpointBase) DelBalance(ctx context.Context, w KVWriter, key Balance) error {
	return w.Delete(ctx, t.keyspace, t.encode(key))
}

func (t *checkpointBase) LatestCheckpointDate(ctx context.Context, r KVReader) (time.Time, error) {
	v, err := r.Get(ctx, KeyspaceMeta, t.metaKey())
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if len(v) != 8 {
		return time.Time{}, &DecodeError{Keyspace: KeyspaceMeta, Key: t.metaKey(), Err: fmt.Errorf("want 8 bytes, got %d", len(v))}
	}
	return fromMillis(binary.BigEndian.Uint64(v)), nil
}

func (t *checkpointBase) SetLatestCheckpointDate(ctx context.Context, w KVWriter, date time.Time) error {
	return w.Put(ctx, KeyspaceMeta, t.metaKey(), newKey(8).date(date))
}

func (t *checkpointBase) metaKey() []byte { return []byte("latest_checkpoint/" + t.name) }

func (t *checkpointBase) each(ctx context.Context, r KVReader, fn func(Balance) error) error {
	return t.scan(ctx, r, Range{}, fn)
}

func (t *checkpointBase) scan(ctx context.Context, r KVReader, rng Range, fn func(Balance) error) error {
	err := r.Scan(ctx, t.keyspace, rng, func(k, v []byte) error {
		b, err := decodeBalance(t.keyspace, k, v)
		if err != nil {
			return err
		}
		return fn(b)
	})
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

// collect returns every balance under prefix p.
func (t *checkpointBase) collect(ctx context.Context, r KVReader, p []byte) ([]Balance, error) {
	var out []Balance
	err := t.scan(ctx, r, Range{From: p, Till: prefixEnd(p)}, func(b Balance) error {
		out = append(out, b)
		return nil
	})
	return out, err
}

// Update folds one change into the snapshots.
func (t *checkpointBase) Update(ctx context.Context, w KVWriter, c Change) error {
	if c.Delta.IsZero() {
		return nil
	}
	latest, err := t.LatestCheckpointDate(ctx, w)
	if err != nil {
		return err
	}

	if target := FirstDayNextMonth(c.Date); latest.IsZero() || !c.Date.Before(latest) {
		if !latest.IsZero() {
			if err := t.copyForward(ctx, w, latest, target); err != nil {
				return err
			}
		}
		latest = target
		if err := t.SetLatestCheckpointDate(ctx, w, latest); err != nil {
			return err
		}
	}

	for _, d := range monthBoundaries(c.Date, latest) {
		slot := Balance{Date: d, Store: c.Store, Goods: c.Goods, Batch: c.Batch}
		current, err := t.GetBalance(ctx, w, slot)
		if err != nil {
			return err
		}
		if current != nil {
			slot.Number = current.Number
		}
		slot.Number = slot.Number.Apply(c.Delta)
		if slot.Number.IsZero() {
			err = t.DelBalance(ctx, w, slot)
		} else {
			err = t.SetBalance(ctx, w, slot)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// copyForward replicates every checkpoint at slot from into each month
// boundary in (from, till].
func (t *checkpointBase) copyForward(ctx context.Context, w KVWriter, from, till time.Time) error {
	slot, err := t.slots.CheckpointsForAll(ctx, w, from)
	if err != nil {
		return err
	}
	for _, d := range monthBoundaries(from, till) {
		for _, b := range slot {
			b.Date = d
			if err := t.SetBalance(ctx, w, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// STORE / DATE
// =============================================================================

// CheckpointStoreDate keys snapshots by store, then date.
type CheckpointStoreDate struct{ checkpointBase }

func NewCheckpointStoreDate() *CheckpointStoreDate {
	return &CheckpointStoreDate{checkpointBase{
		name:     "cp_store_date",
		keyspace: KeyspaceCheckpointsStoreDate,
		encode:   cpStoreDateKey,
		slots:    NewCheckpointDateStore(),
	}}
}

func (t *CheckpointStoreDate) slot(store uuid.UUID, date time.Time) key {
	return newKey(cpKeySize).id(store).date(date)
}

func (t *CheckpointStoreDate) CheckpointsForStore(ctx context.Context, r KVReader, store uuid.UUID, date time.Time) ([]Balance, error) {
	p := t.slot(store, date)
	return t.collect(ctx, r, p)
}

func (t *CheckpointStoreDate) CheckpointsForGoods(ctx context.Context, r KVReader, store, goods uuid.UUID, date time.Time) ([]Balance, error) {
	p := t.slot(store, date).id(goods)
	return t.collect(ctx, r, p)
}

// CheckpointsForAll has no contiguous prefix in this layout; the date-first
// topology serves it.
func (t *CheckpointStoreDate) CheckpointsForAll(context.Context, KVReader, time.Time) ([]Balance, error) {
	return nil, fmt.Errorf("%s: checkpoints for all: %w", t.name, ErrNotSupported)
}

// =============================================================================
// DATE / STORE
// =============================================================================

// CheckpointDateStore keys snapshots by date, then store.
type CheckpointDateStore struct{ checkpointBase }

func NewCheckpointDateStore() *CheckpointDateStore {
	t := &CheckpointDateStore{checkpointBase{name: "cp_date_store", keyspace: KeyspaceCheckpointsDateStore, encode: cpDateStoreKey}}
	t.slots = t
	return t
}

func (t *CheckpointDateStore) CheckpointsForStore(ctx context.Context, r KVReader, store uuid.UUID, date time.Time) ([]Balance, error) {
	p := newKey(cpKeySize).date(date).id(store)
	return t.collect(ctx, r, p)
}

func (t *CheckpointDateStore) CheckpointsForGoods(ctx context.Context, r KVReader, store, goods uuid.UUID, date time.Time) ([]Balance, error) {
	p := newKey(cpKeySize).date(date).id(store).id(goods)
	return t.collect(ctx, r, p)
}

func (t *CheckpointDateStore) CheckpointsForAll(ctx context.Context, r KVReader, date time.Time) ([]Balance, error) {
	p := newKey(8).date(date)
	return t.collect(ctx, r, p)
}

var (
	_ CheckpointTopology = (*CheckpointStoreDate)(nil)
	_ CheckpointTopology = (*CheckpointDateStore)(nil)
)
