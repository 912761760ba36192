package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// AUDIT - Full consistency check of the stored ledger
// =============================================================================

// Audit is the outcome of Verify. Issues is empty when the ledger is sound.
type Audit struct {
	CheckedAt   time.Time `json:"checked_at"`
	Records     int       `json:"records"`
	Chains      int       `json:"chains"`
	Checkpoints int       `json:"checkpoints"`
	Issues      []string  `json:"issues"`
}

func (a Audit) OK() bool { return len(a.Issues) == 0 }

func (a *Audit) fail(format string, args ...any) {
	a.Issues = append(a.Issues, fmt.Sprintf(format, args...))
}

type chains map[groupKey][]Record

// Verify re-derives every stored balance from scratch and reports where the
// stored state disagrees:
//   - chain consistency: each stored balance is the running sum of deltas
//   - zero elision: no net-zero operation is stored
//   - topology agreement: every ordered topology holds the same records
//   - transfer symmetry: every transfer source has its mirror and vice versa
//   - header totals: a batch-less header's total is the sum of its slices
//   - checkpoint soundness: each checkpoint equals the chain sum before it
func (db *Db) Verify(ctx context.Context) (Audit, error) {
	audit := Audit{CheckedAt: time.Now().UTC(), Issues: []string{}}
	err := db.kv.View(ctx, func(r KVReader) error {
		var reference chains
		for i, topo := range db.ordered {
			loaded, n, err := loadChains(ctx, r, topo)
			if err != nil {
				return err
			}
			if i == 0 {
				reference = loaded
				audit.Records = n
				audit.Chains = len(loaded)
				checkChains(topo.Name(), loaded, &audit)
				checkTransfers(loaded, &audit)
				checkHeaders(loaded, &audit)
				continue
			}
			compareChains(db.ordered[0].Name(), reference, topo.Name(), loaded, &audit)
		}
		for _, cp := range db.checkpoints {
			n, err := checkCheckpoints(ctx, r, cp, reference, &audit)
			if err != nil {
				return err
			}
			audit.Checkpoints = n
		}
		return nil
	})
	if err != nil {
		return Audit{}, err
	}

	auditIssues.Set(float64(len(audit.Issues)))
	for _, issue := range audit.Issues {
		db.log.WithField("issue", issue).Warn("ledger audit discrepancy")
	}
	db.log.WithFields(logrus.Fields{
		"records":     audit.Records,
		"chains":      audit.Chains,
		"checkpoints": audit.Checkpoints,
		"issues":      len(audit.Issues),
	}).Debug("ledger audit complete")
	return audit, nil
}

func loadChains(ctx context.Context, r KVReader, topo OrderedTopology) (chains, int, error) {
	out := make(chains)
	n := 0
	err := topo.each(ctx, r, func(rec Record) error {
		k := groupKey{Store: rec.Op.Store, Goods: rec.Op.Goods, Batch: rec.Op.Batch.key()}
		out[k] = append(out[k], rec)
		n++
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	for _, recs := range out {
		sort.Slice(recs, func(i, j int) bool { return chainBefore(recs[i].Op, recs[j].Op) })
	}
	return out, n, nil
}

func describe(k groupKey) string {
	return fmt.Sprintf("%s/%s/%s@%d", k.Store, k.Goods, k.Batch.ID, k.Batch.Millis)
}

func checkChains(topology string, loaded chains, audit *Audit) {
	for k, recs := range loaded {
		var running BalanceForGoods
		for _, rec := range recs {
			running = running.Apply(rec.Op.Delta())
			if !rec.Balance.Equal(running) {
				audit.fail("%s: chain %s: op %s stores %s/%s, running sum is %s/%s",
					topology, describe(k), rec.Op.ID, rec.Balance.Qty, rec.Balance.Cost, running.Qty, running.Cost)
			}
			if rec.Op.isNetZero() {
				audit.fail("%s: chain %s: net-zero op %s is stored", topology, describe(k), rec.Op.ID)
			}
		}
	}
}

func compareChains(refName string, ref chains, name string, other chains, audit *Audit) {
	for k, recs := range ref {
		got := other[k]
		if len(got) != len(recs) {
			audit.fail("%s: chain %s has %d records, %s has %d", name, describe(k), len(got), refName, len(recs))
			continue
		}
		for i := range recs {
			a, b := recs[i], got[i]
			if a.Op.ID != b.Op.ID || a.Op.IsDependent != b.Op.IsDependent ||
				!a.Op.Operation.resolvedEqual(b.Op.Operation) || !a.Balance.Equal(b.Balance) {
				audit.fail("%s: chain %s differs from %s at op %s", name, describe(k), refName, a.Op.ID)
				break
			}
		}
	}
	for k := range other {
		if _, ok := ref[k]; !ok {
			audit.fail("%s: chain %s missing from %s", name, describe(k), refName)
		}
	}
}

type transferKey struct {
	ID    uuid.UUID
	Store uuid.UUID
	Goods uuid.UUID
	Batch batchKey
}

func checkTransfers(loaded chains, audit *Audit) {
	byKey := make(map[transferKey][]Op)
	for _, recs := range loaded {
		for _, rec := range recs {
			k := transferKey{ID: rec.Op.ID, Store: rec.Op.Store, Goods: rec.Op.Goods, Batch: rec.Op.Batch.key()}
			byKey[k] = append(byKey[k], rec.Op)
		}
	}

	for _, recs := range loaded {
		for _, rec := range recs {
			op := rec.Op
			if mirror, ok := op.mirror(); ok {
				k := transferKey{ID: mirror.ID, Store: mirror.Store, Goods: mirror.Goods, Batch: mirror.Batch.key()}
				if !hasMirror(byKey[k], mirror) {
					audit.fail("transfer %s from %s: no matching receive %s/%s at %s",
						op.ID, op.Store, mirror.Operation.Qty, mirror.Operation.Cost, mirror.Store)
				}
			}
			if op.IsDependent && op.Operation.Kind == KindReceive && op.StoreInto != nil {
				k := transferKey{ID: op.ID, Store: *op.StoreInto, Goods: op.Goods, Batch: op.Batch.key()}
				if !hasSource(byKey[k], op) {
					audit.fail("transfer receive %s at %s has no source at %s", op.ID, op.Store, *op.StoreInto)
				}
			}
		}
	}
}

func checkHeaders(loaded chains, audit *Audit) {
	slices := make(map[transferKey]BalanceDelta)
	for _, recs := range loaded {
		for _, rec := range recs {
			if rec.Op.IsDependent {
				k := transferKey{ID: rec.Op.ID, Store: rec.Op.Store, Goods: rec.Op.Goods, Batch: rec.Op.Batch.key()}
				slices[k] = slices[k].Add(rec.Op.Delta())
			}
		}
	}

	for _, recs := range loaded {
		for _, rec := range recs {
			op := rec.Op
			if !op.isHeader() {
				continue
			}
			var sum BalanceDelta
			for _, b := range op.Batches {
				sum = sum.Add(slices[transferKey{ID: op.ID, Store: op.Store, Goods: op.Goods, Batch: b.key()}])
			}
			total := op.Operation.Delta
			if op.Operation.Kind == KindIssue {
				total = BalanceDelta{Qty: op.Operation.Qty.Neg(), Cost: op.Operation.Cost.Neg()}
			}
			if !sum.Cost.Equal(total.Cost) {
				audit.fail("header %s at %s: total cost %s, slices sum to %s", op.ID, op.Store, total.Cost.Neg(), sum.Cost.Neg())
			}
		}
	}
}

func hasMirror(candidates []Op, mirror Op) bool {
	for _, c := range candidates {
		if c.IsDependent && c.Operation.Kind == KindReceive && c.Date.Equal(mirror.Date) &&
			c.Operation.Qty.Equal(mirror.Operation.Qty) && c.Operation.Cost.Equal(mirror.Operation.Cost) {
			return true
		}
	}
	return false
}

func hasSource(candidates []Op, receive Op) bool {
	for _, c := range candidates {
		if m, ok := c.mirror(); ok && m.Store == receive.Store && c.Date.Equal(receive.Date) {
			return true
		}
	}
	return false
}

func checkCheckpoints(ctx context.Context, r KVReader, cp CheckpointTopology, ref chains, audit *Audit) (int, error) {
	latest, err := cp.LatestCheckpointDate(ctx, r)
	if err != nil {
		return 0, err
	}

	stored := make(map[groupKey]map[uint64]BalanceForGoods)
	n := 0
	err = cp.each(ctx, r, func(b Balance) error {
		n++
		k := groupKey{Store: b.Store, Goods: b.Goods, Batch: b.Batch.key()}
		if stored[k] == nil {
			stored[k] = make(map[uint64]BalanceForGoods)
		}
		stored[k][toMillis(b.Date)] = b.Number
		return nil
	})
	if err != nil {
		return 0, err
	}

	for k, recs := range ref {
		if latest.IsZero() {
			audit.fail("%s: chain %s has operations but no checkpoint date", cp.Name(), describe(k))
			break
		}
		var sum BalanceForGoods
		i := 0
		for _, d := range monthBoundaries(recs[0].Op.Date, latest) {
			for ; i < len(recs) && recs[i].Op.Date.Before(d); i++ {
				sum = sum.Apply(recs[i].Op.Delta())
			}
			got := stored[k][toMillis(d)]
			if !got.Equal(sum) {
				audit.fail("%s: chain %s: checkpoint %s holds %s/%s, operations sum to %s/%s",
					cp.Name(), describe(k), d.Format("2006-01-02"), got.Qty, got.Cost, sum.Qty, sum.Cost)
			}
			delete(stored[k], toMillis(d))
		}
	}
	for k, byDate := range stored {
		for ms, b := range byDate {
			audit.fail("%s: chain %s: checkpoint %s (%s/%s) has no backing operations",
				cp.Name(), describe(k), fromMillis(ms).Format("2006-01-02"), b.Qty, b.Cost)
		}
	}
	return n, nil
}
