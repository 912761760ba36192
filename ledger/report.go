/*
report.go - Aggregation and report builder

PURPOSE:
  Folds a checkpoint slot and a range of operations into open, receive,
  issue and close totals per (store, goods, batch), plus a whole-store
  rollup. The same fold gives the mutation engine its per-batch stock for
  FIFO resolution.

RULES:
  - checkpoint balance + operations dated before from  -> Open
  - operations in [from, till], both bounds inclusive:
      Receive, or Inventory adding stock               -> Receive
      Issue, or Inventory removing stock               -> Issue (positive)
  - Close = Open + Receive - Issue
  - headers are skipped; their dependents carry the effect
  - groups whose four totals are all zero are dropped
*/
package ledger

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Aggregation is the movement summary of one (store, goods, batch).
type Aggregation struct {
	Store   uuid.UUID       `json:"store"`
	Goods   uuid.UUID       `json:"goods"`
	Batch   Batch           `json:"batch"`
	Open    BalanceForGoods `json:"open"`
	Receive BalanceForGoods `json:"receive"`
	Issue   BalanceForGoods `json:"issue"`
	Close   BalanceForGoods `json:"close"`
}

func (a Aggregation) isZero() bool {
	return a.Open.IsZero() && a.Receive.IsZero() && a.Issue.IsZero() && a.Close.IsZero()
}

// StoreTotals sums every group of one store.
type StoreTotals struct {
	Store   uuid.UUID       `json:"store"`
	Open    BalanceForGoods `json:"open"`
	Receive BalanceForGoods `json:"receive"`
	Issue   BalanceForGoods `json:"issue"`
	Close   BalanceForGoods `json:"close"`
}

// Report is the storage report for one store over [From, Till].
type Report struct {
	From   time.Time     `json:"from"`
	Till   time.Time     `json:"till"`
	Totals StoreTotals   `json:"totals"`
	Items  []Aggregation `json:"items"`
}

// GoodsReportItem is one operation in an item's timeline, with the
// cumulative balance of its chain after it.
type GoodsReportItem struct {
	Op      Op              `json:"op"`
	Delta   BalanceDelta    `json:"delta"`
	Balance BalanceForGoods `json:"balance"`
}

// GoodsReport is the timeline of one goods item (one batch, or all batches
// when Batch is NoBatch) at one store.
type GoodsReport struct {
	Store uuid.UUID         `json:"store"`
	Goods uuid.UUID         `json:"goods"`
	Batch Batch             `json:"batch"`
	From  time.Time         `json:"from"`
	Till  time.Time         `json:"till"`
	Open  BalanceForGoods   `json:"open"`
	Items []GoodsReportItem `json:"items"`
	Close BalanceForGoods   `json:"close"`
}

// =============================================================================
// AGGREGATOR
// =============================================================================

type groupKey struct {
	Store uuid.UUID
	Goods uuid.UUID
	Batch batchKey
}

type aggregator struct {
	from, till time.Time
	groups     map[groupKey]*Aggregation
}

func newAggregator(from, till time.Time) *aggregator {
	return &aggregator{from: from, till: till, groups: make(map[groupKey]*Aggregation)}
}

func (a *aggregator) group(store, goods uuid.UUID, batch Batch) *Aggregation {
	k := groupKey{Store: store, Goods: goods, Batch: batch.key()}
	g, ok := a.groups[k]
	if !ok {
		g = &Aggregation{Store: store, Goods: goods, Batch: batch}
		a.groups[k] = g
	}
	return g
}

func (a *aggregator) addCheckpoint(b Balance) {
	g := a.group(b.Store, b.Goods, b.Batch)
	g.Open = g.Open.Add(b.Number)
}

// addOpening folds op into the opening balance regardless of its date.
func (a *aggregator) addOpening(op Op) {
	if op.isHeader() {
		return
	}
	g := a.group(op.Store, op.Goods, op.Batch)
	g.Open = g.Open.Apply(op.Delta())
}

// addOp classifies op by date. Operations after till are ignored.
func (a *aggregator) addOp(op Op) {
	switch {
	case op.isHeader() || op.Date.After(a.till):
		return
	case op.Date.Before(a.from):
		a.addOpening(op)
		return
	}

	g := a.group(op.Store, op.Goods, op.Batch)
	d := op.Delta()
	if isReceipt(op, d) {
		g.Receive = g.Receive.Apply(d)
	} else {
		g.Issue = g.Issue.Apply(d.Neg())
	}
}

func isReceipt(op Op, d BalanceDelta) bool {
	switch op.Operation.Kind {
	case KindReceive:
		return true
	case KindIssue:
		return false
	}
	if !d.Qty.IsZero() {
		return d.Qty.IsPositive()
	}
	return !d.Cost.Value.IsNegative()
}

// result closes every group, drops the all-zero ones and sorts the rest by
// store, goods and batch.
func (a *aggregator) result() []Aggregation {
	out := make([]Aggregation, 0, len(a.groups))
	for _, g := range a.groups {
		g.Close = BalanceForGoods{
			Qty:  g.Open.Qty.Add(g.Receive.Qty).Sub(g.Issue.Qty),
			Cost: g.Open.Cost.Add(g.Receive.Cost).Sub(g.Issue.Cost),
		}
		if g.isZero() {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Store[:], out[j].Store[:]); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(out[i].Goods[:], out[j].Goods[:]); c != 0 {
			return c < 0
		}
		return out[i].Batch.Before(out[j].Batch)
	})
	return out
}

func rollup(store uuid.UUID, items []Aggregation) StoreTotals {
	t := StoreTotals{Store: store}
	for _, it := range items {
		t.Open = t.Open.Add(it.Open)
		t.Receive = t.Receive.Add(it.Receive)
		t.Issue = t.Issue.Add(it.Issue)
		t.Close = t.Close.Add(it.Close)
	}
	return t
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// Balances is a full current-state snapshot: store -> goods -> batch.
type Balances map[uuid.UUID]map[uuid.UUID]map[Batch]BalanceForGoods

// Lookup finds the balance of one chain, comparing batch dates by instant.
func (s Balances) Lookup(store, goods uuid.UUID, batch Batch) (BalanceForGoods, bool) {
	for b, bal := range s[store][goods] {
		if b.Equal(batch) {
			return bal, true
		}
	}
	return BalanceForGoods{}, false
}

func (s Balances) set(store, goods uuid.UUID, batch Batch, b BalanceForGoods) {
	byGoods, ok := s[store]
	if !ok {
		byGoods = make(map[uuid.UUID]map[Batch]BalanceForGoods)
		s[store] = byGoods
	}
	byBatch, ok := byGoods[goods]
	if !ok {
		byBatch = make(map[Batch]BalanceForGoods)
		byGoods[goods] = byBatch
	}
	byBatch[batch] = b
}
