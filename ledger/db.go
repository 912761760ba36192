/*
db.go - Orchestration across topologies

PURPOSE:
  Db is the only place that knows the list of topologies. Writes go through
  every ordered topology and then every checkpoint topology; reads pick the
  first topology whose key layout serves the query shape.

WRITE PATH (RecordOps):
  One call is one atomic KV batch. For each mutation, in order:
    1. run the mutation engine once, reading chains from StoreGoods
    2. replay each of its Put and Del into every ordered topology
    3. fold its net change set into every checkpoint topology
  Any error rolls back the whole call, including mutations that had
  already succeeded.

READ PATH:
  Reports run inside a read-only KV view: checkpoint slot at the first day
  of the month of from, plus the operations from that day to till, folded
  by the aggregator (report.go).

EXAMPLE:
  kv, _ := sqlite.New("./ledger.db")
  db := ledger.New(kv, ledger.WithLogger(log))
  err := db.RecordOps(ctx, []ledger.OpMutation{{
      ID: id, Date: day, Store: s1, Goods: g, Batch: ledger.Batch{ID: id, Date: day},
      After: ptr(ledger.Receive(ledger.MustQty("3"), ledger.MustCost("0.3"))),
  }})
*/
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Keyspaces used by the ledger. Backends must provide all of them.
const (
	KeyspaceOpsStoreDate         = "ops_store_date"
	KeyspaceOpsDateStore         = "ops_date_store"
	KeyspaceOpsStoreGoods        = "ops_store_goods"
	KeyspaceCheckpointsStoreDate = "cps_store_date"
	KeyspaceCheckpointsDateStore = "cps_date_store"
	KeyspaceMeta                 = "meta"
)

// Keyspaces lists every keyspace the ledger reads or writes.
func Keyspaces() []string {
	return []string{
		KeyspaceOpsStoreDate,
		KeyspaceOpsDateStore,
		KeyspaceOpsStoreGoods,
		KeyspaceCheckpointsStoreDate,
		KeyspaceCheckpointsDateStore,
		KeyspaceMeta,
	}
}

// DefaultPageSize is how many downstream records a propagation walk loads
// per scan.
const DefaultPageSize = 256

// Db is the inventory ledger.
type Db struct {
	kv          KV
	ordered     []OrderedTopology
	checkpoints []CheckpointTopology
	chains      ChainTopology
	log         *logrus.Logger
	pageSize    int
}

type Option func(*Db)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logrus.Logger) Option {
	return func(db *Db) { db.log = l }
}

// WithPageSize sets the propagation page size.
func WithPageSize(n int) Option {
	return func(db *Db) {
		if n > 0 {
			db.pageSize = n
		}
	}
}

// New creates a ledger over kv.
func New(kv KV, opts ...Option) *Db {
	silent := logrus.New()
	silent.SetOutput(io.Discard)

	byChain := NewStoreGoods()
	db := &Db{
		kv:          kv,
		ordered:     []OrderedTopology{NewStoreDate(), NewDateStore(), byChain},
		checkpoints: []CheckpointTopology{NewCheckpointStoreDate(), NewCheckpointDateStore()},
		chains:      byChain,
		log:         silent,
		pageSize:    DefaultPageSize,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// =============================================================================
// WRITES
// =============================================================================

// RecordOps applies muts in order as one atomic batch. It is the only way
// to change the ledger.
func (db *Db) RecordOps(ctx context.Context, muts []OpMutation) error {
	if len(muts) == 0 {
		return nil
	}
	err := db.kv.Update(ctx, func(w KVWriter) error {
		for i, mut := range muts {
			if err := db.recordOp(ctx, w, mut); err != nil {
				return fmt.Errorf("mutation %d (op %s): %w", i, mut.ID, err)
			}
		}
		return nil
	})

	result := mutationResult(err)
	for _, mut := range muts {
		mutationsTotal.WithLabelValues(mutationKind(mut), result).Inc()
	}
	if err != nil {
		db.log.WithFields(logrus.Fields{"ops": len(muts), "result": result}).WithError(err).Info("record ops rolled back")
	}
	return err
}

func (db *Db) recordOp(ctx context.Context, w KVWriter, mut OpMutation) error {
	m := db.newMutator(ctx, w, mut)
	if err := m.apply(mut); err != nil {
		return err
	}
	propagationSteps.WithLabelValues(db.chains.Name()).Observe(float64(m.steps))

	// Each change reaches every checkpoint topology before the next one, so
	// their slots stay identical between changes.
	for _, c := range netChanges(m.changes) {
		for _, cp := range db.checkpoints {
			if err := cp.Update(ctx, w, c); err != nil {
				return fmt.Errorf("checkpoint %s: %w", cp.Name(), err)
			}
		}
	}
	return nil
}

// putOp stores op in every ordered topology.
func (db *Db) putOp(ctx context.Context, w KVWriter, op Op, balance BalanceForGoods) error {
	for _, t := range db.ordered {
		if err := t.Put(ctx, w, op, balance); err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return nil
}

// delOp removes op from every ordered topology.
func (db *Db) delOp(ctx context.Context, w KVWriter, op Op) error {
	for _, t := range db.ordered {
		if err := t.Del(ctx, w, op); err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return nil
}

type changeKey struct {
	Store  uuid.UUID
	Goods  uuid.UUID
	Batch  batchKey
	Millis uint64
}

// netChanges sums changes per (chain, date), drops the ones that cancel out
// and orders the rest deterministically.
func netChanges(changes []Change) []Change {
	sums := make(map[changeKey]*Change, len(changes))
	var keys []changeKey
	for _, c := range changes {
		k := changeKey{Store: c.Store, Goods: c.Goods, Batch: c.Batch.key(), Millis: toMillis(c.Date)}
		if s, ok := sums[k]; ok {
			s.Delta = s.Delta.Add(c.Delta)
			continue
		}
		c := c
		sums[k] = &c
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool { return changeKeyLess(keys[i], keys[j]) })
	out := make([]Change, 0, len(keys))
	for _, k := range keys {
		if c := sums[k]; !c.Delta.IsZero() {
			out = append(out, *c)
		}
	}
	return out
}

func changeKeyLess(a, b changeKey) bool {
	if a.Millis != b.Millis {
		return a.Millis < b.Millis
	}
	if c := bytes.Compare(a.Store[:], b.Store[:]); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(a.Goods[:], b.Goods[:]); c != 0 {
		return c < 0
	}
	return a.Batch.batch().Before(b.Batch.batch())
}

// =============================================================================
// READS
// =============================================================================

// GetReportForStorage aggregates every (goods, batch) of store over
// [from, till].
func (db *Db) GetReportForStorage(ctx context.Context, store uuid.UUID, from, till time.Time) (Report, error) {
	from, till, err := checkRange(from, till)
	if err != nil {
		return Report{}, err
	}

	var report Report
	err = db.kv.View(ctx, func(r KVReader) error {
		monthStart := FirstDayOfMonth(from)
		cps, err := db.readCheckpoints(ctx, r, monthStart, func(cp CheckpointTopology, slot time.Time) ([]Balance, error) {
			return cp.CheckpointsForStore(ctx, r, store, slot)
		})
		if err != nil {
			return err
		}
		recs, err := db.readOperations(func(t OrderedTopology) ([]Record, error) {
			return t.OperationsForStore(ctx, r, store, monthStart, till)
		})
		if err != nil {
			return err
		}

		agg := newAggregator(from, till)
		for _, b := range cps {
			agg.addCheckpoint(b)
		}
		for _, rec := range recs {
			agg.addOp(rec.Op)
		}
		items := agg.result()
		report = Report{From: from, Till: till, Totals: rollup(store, items), Items: items}
		return nil
	})
	return report, err
}

// GetReportForGoods returns the timeline of goods at store over
// [from, till]. NoBatch selects every batch of the goods.
func (db *Db) GetReportForGoods(ctx context.Context, store, goods uuid.UUID, batch Batch, from, till time.Time) (GoodsReport, error) {
	from, till, err := checkRange(from, till)
	if err != nil {
		return GoodsReport{}, err
	}
	allBatches := batch.IsNone()
	if allBatches {
		batch = NoBatch()
	} else {
		batch.Date = normalize(batch.Date)
	}

	report := GoodsReport{Store: store, Goods: goods, Batch: batch, From: from, Till: till, Items: []GoodsReportItem{}}
	err = db.kv.View(ctx, func(r KVReader) error {
		monthStart := FirstDayOfMonth(from)
		cps, err := db.readCheckpoints(ctx, r, monthStart, func(cp CheckpointTopology, slot time.Time) ([]Balance, error) {
			return cp.CheckpointsForGoods(ctx, r, store, goods, slot)
		})
		if err != nil {
			return err
		}
		recs, err := db.readOperations(func(t OrderedTopology) ([]Record, error) {
			if allBatches {
				return t.OperationsForGoods(ctx, r, store, goods, monthStart, till)
			}
			return t.OperationsForBatch(ctx, r, store, goods, batch, monthStart, till)
		})
		if err != nil {
			return err
		}

		for _, b := range cps {
			if allBatches || b.Batch.Equal(batch) {
				report.Open = report.Open.Add(b.Number)
			}
		}
		sort.SliceStable(recs, func(i, j int) bool { return timelineBefore(recs[i].Op, recs[j].Op) })
		for _, rec := range recs {
			if rec.Op.isHeader() {
				continue
			}
			d := rec.Op.Delta()
			if rec.Op.Date.Before(from) {
				report.Open = report.Open.Apply(d)
				continue
			}
			report.Items = append(report.Items, GoodsReportItem{Op: rec.Op, Delta: d, Balance: rec.Balance})
		}
		report.Close = report.Open
		for _, it := range report.Items {
			report.Close = report.Close.Apply(it.Delta)
		}
		return nil
	})
	return report, err
}

// timelineBefore orders operations of several chains by time, then by chain
// position.
func timelineBefore(a, b Op) bool {
	if !a.Date.Equal(b.Date) || a.Operation.Kind != b.Operation.Kind ||
		a.ID != b.ID || a.IsDependent != b.IsDependent {
		return chainBefore(a, b)
	}
	return a.Batch.Before(b.Batch)
}

// GetBalanceForAll returns every non-zero chain balance as of now.
func (db *Db) GetBalanceForAll(ctx context.Context, now time.Time) (Balances, error) {
	now = normalize(now)
	out := make(Balances)
	err := db.kv.View(ctx, func(r KVReader) error {
		monthStart := FirstDayOfMonth(now)
		cps, err := db.readCheckpoints(ctx, r, monthStart, func(cp CheckpointTopology, slot time.Time) ([]Balance, error) {
			return cp.CheckpointsForAll(ctx, r, slot)
		})
		if err != nil {
			return err
		}
		recs, err := db.readOperations(func(t OrderedTopology) ([]Record, error) {
			return t.OperationsForAll(ctx, r, monthStart, now)
		})
		if err != nil {
			return err
		}

		agg := newAggregator(now, now)
		for _, b := range cps {
			agg.addCheckpoint(b)
		}
		for _, rec := range recs {
			agg.addOpening(rec.Op)
		}
		for _, g := range agg.result() {
			if !g.Close.IsZero() {
				out.set(g.Store, g.Goods, g.Batch, g.Close)
			}
		}
		return nil
	})
	return out, err
}

// GetBalance returns the cumulative balance of one chain after every
// operation dated at or before at. NoBatch addresses the unresolved chain.
func (db *Db) GetBalance(ctx context.Context, store, goods uuid.UUID, batch Batch, at time.Time) (BalanceForGoods, error) {
	if !batch.IsNone() {
		batch.Date = normalize(batch.Date)
	}
	probe := Op{
		ID:          maxUUID,
		Date:        normalize(at),
		Store:       store,
		Goods:       goods,
		Batch:       batch,
		Operation:   InternalOperation{Kind: maxKind},
		IsDependent: true,
	}
	var balance BalanceForGoods
	err := db.kv.View(ctx, func(r KVReader) error {
		var err error
		balance, err = db.chains.BalanceBefore(ctx, r, probe)
		return err
	})
	return balance, err
}

func checkRange(from, till time.Time) (time.Time, time.Time, error) {
	from, till = normalize(from), normalize(till)
	if till.Before(from) {
		return from, till, fmt.Errorf("%w: till %s precedes from %s", ErrInvalidRange, till.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	if from.Before(epoch) {
		return from, till, fmt.Errorf("%w: from %s predates 1970", ErrInvalidRange, from.Format(time.RFC3339))
	}
	return from, till, nil
}

// checkpointSlot maps a month boundary to the slot that holds its values:
// itself, or the latest slot when at lies beyond it. ok is false when no
// checkpoint has been written yet.
func checkpointSlot(ctx context.Context, r KVReader, cp CheckpointTopology, at time.Time) (time.Time, bool, error) {
	latest, err := cp.LatestCheckpointDate(ctx, r)
	if err != nil || latest.IsZero() {
		return time.Time{}, false, err
	}
	if at.After(latest) {
		return latest, true, nil
	}
	return at, true, nil
}

// readCheckpoints runs query on the first checkpoint topology that supports
// it.
func (db *Db) readCheckpoints(ctx context.Context, r KVReader, at time.Time, query func(CheckpointTopology, time.Time) ([]Balance, error)) ([]Balance, error) {
	for _, cp := range db.checkpoints {
		slot, ok, err := checkpointSlot(ctx, r, cp, at)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		out, err := query(cp, slot)
		if errors.Is(err, ErrNotSupported) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("checkpoints: %w", ErrNotSupported)
}

// readOperations runs query on the first ordered topology that supports it.
func (db *Db) readOperations(query func(OrderedTopology) ([]Record, error)) ([]Record, error) {
	for _, t := range db.ordered {
		out, err := query(t)
		if errors.Is(err, ErrNotSupported) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("operations: %w", ErrNotSupported)
}

func (db *Db) checkpointsForGoods(ctx context.Context, r KVReader, store, goods uuid.UUID, at time.Time) ([]Balance, error) {
	return db.readCheckpoints(ctx, r, at, func(cp CheckpointTopology, slot time.Time) ([]Balance, error) {
		return cp.CheckpointsForGoods(ctx, r, store, goods, slot)
	})
}
