/*
ordered.go - Ordered topologies: the ledger proper

PURPOSE:
  An ordered topology is one physical copy of every operation, keyed by one
  of the codecs in codec.go. Each copy answers a different range-scan shape
  cheaply. The mutation engine reads chains from StoreGoods only; Db replays
  every Put and Del it makes into each topology and reads from whichever
  one serves the query.

TOPOLOGIES:
  StoreDate   ops_store_date   by store, then date    (store reports)
  DateStore   ops_date_store   by date, then store    (whole-ledger snapshots)
  StoreGoods  ops_store_goods  by store, goods, batch  (one item's history)

QUERY SUPPORT:
                      StoreDate  DateStore  StoreGoods
  OperationsForStore      x
  OperationsForGoods                             x
  OperationsForBatch                            x
  OperationsForGoodsSet   x
  OperationsForAll                   x
  BalanceBefore                                 x
  OperationsAfter                               x

  Unsupported shapes return ErrNotSupported. The chain queries exist only
  on ChainTopology, whose key prefix is the chain itself, so an edit never
  reads records of another (store, goods).

SEE ALSO:
  - codec.go: key layouts
  - mutate.go: the recomputation algorithm that drives Put/Del
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OrderedTopology is one keyed copy of the operation ledger.
type OrderedTopology interface {
	Name() string
	Keyspace() string

	// Direct access by the op's own key.
	Put(ctx context.Context, w KVWriter, op Op, balance BalanceForGoods) error
	Get(ctx context.Context, r KVReader, op Op) (*Record, error)
	Del(ctx context.Context, w KVWriter, op Op) error

	// Query entry points over [from, till], both inclusive.
	OperationsForStore(ctx context.Context, r KVReader, store uuid.UUID, from, till time.Time) ([]Record, error)
	OperationsForGoods(ctx context.Context, r KVReader, store, goods uuid.UUID, from, till time.Time) ([]Record, error)
	OperationsForBatch(ctx context.Context, r KVReader, store, goods uuid.UUID, batch Batch, from, till time.Time) ([]Record, error)
	OperationsForGoodsSet(ctx context.Context, r KVReader, store uuid.UUID, goods []uuid.UUID, from, till time.Time) ([]Record, error)
	OperationsForAll(ctx context.Context, r KVReader, from, till time.Time) ([]Record, error)

	each(ctx context.Context, r KVReader, fn func(Record) error) error
}

// ChainTopology is an ordered topology whose keys group each
// (store, goods, batch) chain contiguously. The mutation engine walks
// chains through it.
type ChainTopology interface {
	OrderedTopology

	// BalanceBefore returns the cumulative balance of op's chain strictly
	// before op's key, or zero.
	BalanceBefore(ctx context.Context, r KVReader, op Op) (BalanceForGoods, error)

	// OperationsAfter returns up to limit records of op's chain strictly
	// after op's key, in chain order.
	OperationsAfter(ctx context.Context, r KVReader, op Op, limit int) ([]Record, error)
}

// =============================================================================
// SHARED IMPLEMENTATION
// =============================================================================

type orderedBase struct {
	name     string
	keyspace string
	encode   func(Op) []byte
}

func (t orderedBase) Name() string     { return t.name }
func (t orderedBase) Keyspace() string { return t.keyspace }

func (t orderedBase) Put(ctx context.Context, w KVWriter, op Op, balance BalanceForGoods) error {
	v, err := encodeRecord(op, balance)
	if err != nil {
		return fmt.Errorf("encode op %s: %w", op.ID, err)
	}
	return w.Put(ctx, t.keyspace, t.encode(op), v)
}

func (t orderedBase) Get(ctx context.Context, r KVReader, op Op) (*Record, error) {
	k := t.encode(op)
	v, err := r.Get(ctx, t.keyspace, k)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(t.keyspace, k, v)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t orderedBase) Del(ctx context.Context, w KVWriter, op Op) error {
	return w.Delete(ctx, t.keyspace, t.encode(op))
}

func (t orderedBase) each(ctx context.Context, r KVReader, fn func(Record) error) error {
	err := r.Scan(ctx, t.keyspace, Range{}, func(k, v []byte) error {
		rec, err := decodeRecord(t.keyspace, k, v)
		if err != nil {
			return err
		}
		return fn(rec)
	})
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

// collect decodes every record in rng that keep accepts, stopping after
// limit matches when limit > 0.
func (t orderedBase) collect(ctx context.Context, r KVReader, rng Range, keep func(Op) bool, limit int) ([]Record, error) {
	var out []Record
	err := r.Scan(ctx, t.keyspace, rng, func(k, v []byte) error {
		rec, err := decodeRecord(t.keyspace, k, v)
		if err != nil {
			return err
		}
		if keep != nil && !keep(rec.Op) {
			return nil
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			return ErrStopIteration
		}
		return nil
	})
	if errors.Is(err, ErrStopIteration) {
		err = nil
	}
	return out, err
}

func notSupported(topology, query string) error {
	return fmt.Errorf("%s: %s: %w", topology, query, ErrNotSupported)
}

// =============================================================================
// STORE / DATE
// =============================================================================

// StoreDate orders operations by store, then date.
type StoreDate struct{ orderedBase }

func NewStoreDate() *StoreDate {
	return &StoreDate{orderedBase{name: "store_date", keyspace: KeyspaceOpsStoreDate, encode: storeDateKey}}
}

func (t *StoreDate) storeRange(store uuid.UUID, from, till time.Time) Range {
	return Range{
		From: newKey(24).id(store).date(from),
		Till: newKey(24).id(store).millis(inclusiveTill(till)),
	}
}

func (t *StoreDate) OperationsForStore(ctx context.Context, r KVReader, store uuid.UUID, from, till time.Time) ([]Record, error) {
	return t.collect(ctx, r, t.storeRange(store, from, till), nil, 0)
}

func (t *StoreDate) OperationsForGoods(context.Context, KVReader, uuid.UUID, uuid.UUID, time.Time, time.Time) ([]Record, error) {
	return nil, notSupported(t.name, "operations for goods")
}

func (t *StoreDate) OperationsForBatch(context.Context, KVReader, uuid.UUID, uuid.UUID, Batch, time.Time, time.Time) ([]Record, error) {
	return nil, notSupported(t.name, "operations for batch")
}

func (t *StoreDate) OperationsForGoodsSet(ctx context.Context, r KVReader, store uuid.UUID, goods []uuid.UUID, from, till time.Time) ([]Record, error) {
	set := make(map[uuid.UUID]struct{}, len(goods))
	for _, g := range goods {
		set[g] = struct{}{}
	}
	return t.collect(ctx, r, t.storeRange(store, from, till), func(o Op) bool {
		_, ok := set[o.Goods]
		return ok
	}, 0)
}

func (t *StoreDate) OperationsForAll(context.Context, KVReader, time.Time, time.Time) ([]Record, error) {
	return nil, notSupported(t.name, "operations for all")
}

// =============================================================================
// DATE / STORE
// =============================================================================

// DateStore orders operations by date, then store.
type DateStore struct{ orderedBase }

func NewDateStore() *DateStore {
	return &DateStore{orderedBase{name: "date_store", keyspace: KeyspaceOpsDateStore, encode: dateStoreKey}}
}

func (t *DateStore) dateRange(from, till time.Time) Range {
	return Range{From: newKey(8).date(from), Till: newKey(8).millis(inclusiveTill(till))}
}

func (t *DateStore) OperationsForStore(context.Context, KVReader, uuid.UUID, time.Time, time.Time) ([]Record, error) {
	return nil, notSupported(t.name, "operations for store")
}

func (t *DateStore) OperationsForGoods(context.Context, KVReader, uuid.UUID, uuid.UUID, time.Time, time.Time) ([]Record, error) {
	return nil, notSupported(t.name, "operations for goods")
}

func (t *DateStore) OperationsForBatch(context.Context, KVReader, uuid.UUID, uuid.UUID, Batch, time.Time, time.Time) ([]Record, error) {
	return nil, notSupported(t.name, "operations for batch")
}

func (t *DateStore) OperationsForGoodsSet(context.Context, KVReader, uuid.UUID, []uuid.UUID, time.Time, time.Time) ([]Record, error) {
	return nil, notSupported(t.name, "operations for goods set")
}

func (t *DateStore) OperationsForAll(ctx context.Context, r KVReader, from, till time.Time) ([]Record, error) {
	return t.collect(ctx, r, t.dateRange(from, till), nil, 0)
}

// =============================================================================
// STORE / GOODS / BATCH
// =============================================================================

// StoreGoods orders operations chain by chain: every key of one
// (store, goods, batch) is contiguous.
type StoreGoods struct{ orderedBase }

func NewStoreGoods() *StoreGoods {
	return &StoreGoods{orderedBase{name: "store_goods", keyspace: KeyspaceOpsStoreGoods, encode: storeGoodsKey}}
}

// BalanceBefore reads the nearest record before op inside op's chain
// prefix.
func (t *StoreGoods) BalanceBefore(ctx context.Context, r KVReader, op Op) (BalanceForGoods, error) {
	recs, err := t.collect(ctx, r, Range{
		From:    storeGoodsChain(op.Store, op.Goods, op.Batch),
		Till:    t.encode(op),
		Reverse: true,
	}, nil, 1)
	if err != nil || len(recs) == 0 {
		return BalanceForGoods{}, err
	}
	return recs[0].Balance, nil
}

func (t *StoreGoods) OperationsAfter(ctx context.Context, r KVReader, op Op, limit int) ([]Record, error) {
	return t.collect(ctx, r, Range{
		From: after(t.encode(op)),
		Till: prefixEnd(storeGoodsChain(op.Store, op.Goods, op.Batch)),
	}, nil, limit)
}

func (t *StoreGoods) OperationsForStore(context.Context, KVReader, uuid.UUID, time.Time, time.Time) ([]Record, error) {
	return nil, notSupported(t.name, "operations for store")
}

// OperationsForGoods visits the goods' chains one at a time and reads only
// the [from, till] window of each, so records outside the window cost
// nothing beyond one seek per batch.
func (t *StoreGoods) OperationsForGoods(ctx context.Context, r KVReader, store, goods uuid.UUID, from, till time.Time) ([]Record, error) {
	prefix := newKey(32).id(store).id(goods)
	end := prefixEnd(prefix)
	cursor := []byte(prefix)

	var out []Record
	for {
		chain, err := t.nextChain(ctx, r, cursor, end)
		if err != nil || chain == nil {
			return out, err
		}
		recs, err := t.collect(ctx, r, Range{
			From: chain.clone().date(from),
			Till: chain.clone().millis(inclusiveTill(till)),
		}, nil, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
		cursor = prefixEnd(chain)
		if cursor == nil {
			return out, nil
		}
	}
}

// nextChain returns the chain prefix of the first key in [from, till), or
// nil when there is none.
func (t *StoreGoods) nextChain(ctx context.Context, r KVReader, from, till []byte) (key, error) {
	var chain key
	err := r.Scan(ctx, t.keyspace, Range{From: from, Till: till}, func(k, _ []byte) error {
		chain = append(newKey(opKeySize), k[:storeGoodsChainSize]...)
		return ErrStopIteration
	})
	if errors.Is(err, ErrStopIteration) {
		err = nil
	}
	return chain, err
}

func (t *StoreGoods) OperationsForBatch(ctx context.Context, r KVReader, store, goods uuid.UUID, batch Batch, from, till time.Time) ([]Record, error) {
	chain := storeGoodsChain(store, goods, batch)
	return t.collect(ctx, r, Range{
		From: chain.clone().date(from),
		Till: chain.clone().millis(inclusiveTill(till)),
	}, nil, 0)
}

func (t *StoreGoods) OperationsForGoodsSet(context.Context, KVReader, uuid.UUID, []uuid.UUID, time.Time, time.Time) ([]Record, error) {
	return nil, notSupported(t.name, "operations for goods set")
}

func (t *StoreGoods) OperationsForAll(context.Context, KVReader, time.Time, time.Time) ([]Record, error) {
	return nil, notSupported(t.name, "operations for all")
}

var (
	_ OrderedTopology = (*StoreDate)(nil)
	_ OrderedTopology = (*DateStore)(nil)
	_ ChainTopology   = (*StoreGoods)(nil)
)
