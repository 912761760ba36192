/*
mutate.go - Incremental recomputation

PURPOSE:
  Applies one OpMutation. The algorithm reads chains through Db's chain
  topology, where each (store, goods, batch) is one key prefix, so its cost
  follows the edited chain suffix and not the size of the ledger. Every
  write goes through Db, which replays it into all ordered topologies.

ALGORITHM:
  1. Validate, load what is stored at the mutation's key and enforce the
     optimistic-concurrency contract.
  2. Queue removal of stale dependents (old FIFO slices) and, for deletes
     and kind changes, of the stored op itself.
  3. Queue the new op.
  4. Drain the queue:
     - batch-less Issue / Inventory: resolve against per-batch stock (FIFO),
       store the parent as a header, queue one dependent per touched batch
     - anything else: calculate with propagation
  5. calculate: evaluate against the balance before the op, persist, sync
     the transfer mirror, then walk the rest of the chain re-evaluating each
     record until a recomputed balance equals the stored one.

  Every put and delete emits a Change; the checkpoints are fed from those.
  When a walk re-prices the slice of a batch-less header, the header's
  total is re-derived from its slices.

LIMITATIONS:
  A header's FIFO split is fixed when the header is written. An earlier
  edit re-prices the existing slices (Auto costs follow the walk, and the
  header total follows them) but does not re-split them; re-submitting the
  parent does.
*/
package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxTasks bounds one mutation. Transfers that feed each other at one
// instant could otherwise bounce re-priced mirrors indefinitely.
const maxTasks = 100000

type task struct {
	op        Op
	remove    bool
	propagate bool
}

type mutator struct {
	ctx     context.Context
	db      *Db
	topo    ChainTopology
	w       KVWriter
	log     *logrus.Entry
	queue   []task
	changes []Change
	tasks   int
	steps   int
}

func (db *Db) newMutator(ctx context.Context, w KVWriter, mut OpMutation) *mutator {
	return &mutator{
		ctx:  ctx,
		db:   db,
		topo: db.chains,
		w:    w,
		log: db.log.WithFields(logrus.Fields{
			"op":    mut.ID,
			"store": mut.Store,
			"goods": mut.Goods,
		}),
	}
}

// =============================================================================
// ENTRY POINT
// =============================================================================

func (m *mutator) apply(mut OpMutation) error {
	if err := validate(mut); err != nil {
		return err
	}

	if mut.Before != nil {
		before := mut.op(*mut.Before)
		stored, err := m.topo.Get(m.ctx, m.w, before)
		if err != nil {
			return err
		}
		if stored == nil {
			return m.conflict(before, "nothing stored at key")
		}
		if !stored.Op.Operation.Matches(*mut.Before) {
			return m.conflict(before, "stored operation differs from before")
		}
		if stored.Op.isHeader() {
			if err := m.queueStaleSlices(stored.Op, mut.Batches); err != nil {
				return err
			}
		}
		if mut.After == nil || mut.After.Kind != mut.Before.Kind {
			m.push(task{op: stored.Op, remove: true, propagate: true})
		}
	}

	if mut.After != nil {
		after := mut.op(*mut.After)
		if mut.Before == nil || mut.After.Kind != mut.Before.Kind {
			existing, err := m.topo.Get(m.ctx, m.w, after)
			if err != nil {
				return err
			}
			if existing != nil {
				return m.conflict(after, "operation already stored")
			}
		}
		m.push(task{op: after, propagate: true})
	}

	if err := m.drain(); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"changes": len(m.changes), "steps": m.steps}).Debug("mutation applied")
	return nil
}

func validate(m OpMutation) error {
	switch {
	case m.ID == uuid.Nil:
		return invalid("missing operation id")
	case m.IsDependent:
		return invalid("op %s: dependent operations are managed by the ledger", m.ID)
	case m.Before == nil && m.After == nil:
		return invalid("op %s: neither before nor after given", m.ID)
	case m.Date.Before(epoch):
		return invalid("op %s: date %s predates 1970", m.ID, m.Date)
	case !m.Batch.IsNone() && m.Batch.Date.Before(epoch):
		return invalid("op %s: batch date %s predates 1970", m.ID, m.Batch.Date)
	case m.Transfer != nil && *m.Transfer == m.Store:
		return invalid("op %s: transfer into its own store", m.ID)
	}
	for _, o := range []*InternalOperation{m.Before, m.After} {
		if o == nil {
			continue
		}
		if !o.Kind.valid() {
			return invalid("op %s: unknown kind %d", m.ID, o.Kind)
		}
		if o.Mode != "" && o.Mode != ModeAuto && o.Mode != ModeManual {
			return invalid("op %s: unknown mode %q", m.ID, o.Mode)
		}
		if o.Qty.IsNegative() || o.Balance.Qty.IsNegative() {
			return invalid("op %s: negative quantity", m.ID)
		}
	}
	if m.After != nil && m.Transfer != nil && m.After.Kind == KindReceive {
		return invalid("op %s: a receive cannot be the source of a transfer", m.ID)
	}
	return nil
}

func (m *mutator) conflict(op Op, reason string) error {
	m.log.WithField("reason", reason).Warn("optimistic concurrency conflict")
	return &ConflictError{Topology: m.topo.Name(), OpID: op.ID.String(), Reason: reason}
}

// queueStaleSlices queues removal of every dependent a header may have
// produced: one probe per candidate batch and dependent kind.
func (m *mutator) queueStaleSlices(root Op, hints []Batch) error {
	candidates := []Batch{NoBatch(), {ID: root.ID, Date: root.Date}}
	candidates = append(candidates, root.Batches...)
	for _, b := range hints {
		candidates = append(candidates, Batch{ID: b.ID, Date: normalize(b.Date)})
	}

	seen := make(map[batchKey]bool, len(candidates))
	for _, b := range candidates {
		if seen[b.key()] {
			continue
		}
		seen[b.key()] = true
		for _, kind := range []OpKind{KindReceive, KindIssue} {
			probe := dependentOf(root, b, InternalOperation{Kind: kind})
			rec, err := m.topo.Get(m.ctx, m.w, probe)
			if err != nil {
				return err
			}
			if rec != nil {
				m.push(task{op: rec.Op, remove: true, propagate: true})
			}
		}
	}
	return nil
}

// =============================================================================
// QUEUE
// =============================================================================

func (m *mutator) push(t task) { m.queue = append(m.queue, t) }

func (m *mutator) drain() error {
	for len(m.queue) > 0 {
		t := m.queue[0]
		m.queue = m.queue[1:]

		m.tasks++
		if m.tasks > maxTasks {
			return fmt.Errorf("%w: op %s did not settle after %d steps", ErrInvariant, t.op.ID, maxTasks)
		}

		var err error
		switch {
		case t.remove:
			err = m.remove(t.op)
		case t.op.isBatchless():
			err = m.resolve(t.op)
		default:
			err = m.calculate(t.op, t.propagate)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// FIFO RESOLUTION
// =============================================================================

// portion is the part of a batch-less operation served by one batch.
type portion struct {
	batch Batch
	qty   Qty
	stock BalanceForGoods
}

func (m *mutator) resolve(root Op) error {
	stock, err := m.goodsBalanceBefore(root)
	if err != nil {
		return err
	}

	var slices []Op
	if root.Operation.Kind == KindIssue {
		root, slices = resolveIssue(root, stock)
	} else {
		root, slices = resolveInventory(root, stock)
	}

	if err := m.calculate(root, false); err != nil {
		return err
	}
	for _, s := range slices {
		m.push(task{op: s, propagate: true})
	}
	return nil
}

// goodsBalanceBefore returns the per-batch stock of root's (store, goods)
// just before root's chain position: the checkpoint at the start of root's
// month plus that month's earlier operations.
func (m *mutator) goodsBalanceBefore(root Op) (map[batchKey]BalanceForGoods, error) {
	monthStart := FirstDayOfMonth(root.Date)
	cps, err := m.db.checkpointsForGoods(m.ctx, m.w, root.Store, root.Goods, monthStart)
	if err != nil {
		return nil, err
	}
	recs, err := m.topo.OperationsForGoods(m.ctx, m.w, root.Store, root.Goods, monthStart, root.Date)
	if err != nil {
		return nil, err
	}

	agg := newAggregator(root.Date, root.Date)
	for _, b := range cps {
		agg.addCheckpoint(b)
	}
	for _, rec := range recs {
		if rec.Op.ID == root.ID || !chainBefore(rec.Op, root) {
			continue
		}
		agg.addOpening(rec.Op)
	}

	stock := make(map[batchKey]BalanceForGoods)
	for k, g := range agg.groups {
		stock[k.Batch] = stock[k.Batch].Add(g.Open)
	}
	return stock, nil
}

// fifo consumes want from the positive batches in stock, oldest first. The
// NoBatch bucket is never consumed. It returns the portions taken and the
// quantity no batch could cover.
func fifo(stock map[batchKey]BalanceForGoods, want Qty) ([]portion, Qty) {
	keys := make([]batchKey, 0, len(stock))
	for k, b := range stock {
		if k.batch().IsNone() || !b.Qty.IsPositive() {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].batch().Before(keys[j].batch()) })

	var out []portion
	remaining := want
	for _, k := range keys {
		if !remaining.IsPositive() {
			break
		}
		take := remaining.Min(stock[k].Qty)
		out = append(out, portion{batch: k.batch(), qty: take, stock: stock[k]})
		remaining = remaining.Sub(take)
	}
	return out, remaining
}

// withShortfall books any uncovered quantity against NoBatch.
func withShortfall(portions []portion, rest Qty, stock map[batchKey]BalanceForGoods) []portion {
	if !rest.IsPositive() {
		return portions
	}
	none := NoBatch()
	return append(portions, portion{batch: none, qty: rest, stock: stock[none.key()]})
}

// splitCost prices each portion. Auto portions take their batch's weighted
// average; a manual cost is shared in proportion to quantity with the
// rounding remainder on the last portion.
func splitCost(mode Mode, cost Cost, whole Qty, portions []portion) []Cost {
	out := make([]Cost, len(portions))
	var assigned Cost
	for i, p := range portions {
		switch {
		case mode == ModeAuto:
			out[i] = p.qty.CostOf(p.stock)
		case i == len(portions)-1:
			out[i] = cost.Sub(assigned)
		default:
			out[i] = cost.share(p.qty, whole)
		}
		assigned = assigned.Add(out[i])
	}
	return out
}

func resolveIssue(root Op, stock map[batchKey]BalanceForGoods) (Op, []Op) {
	o := root.Operation
	portions, rest := fifo(stock, o.Qty)
	portions = withShortfall(portions, rest, stock)
	costs := splitCost(o.mode(), o.Cost, o.Qty, portions)

	var total Cost
	slices := make([]Op, 0, len(portions))
	root.Batches = make([]Batch, 0, len(portions))
	for i, p := range portions {
		slice := dependentOf(root, p.batch, Issue(p.qty, costs[i], o.mode()))
		slice.StoreInto = root.StoreInto
		slices = append(slices, slice)
		root.Batches = append(root.Batches, p.batch)
		total = total.Add(costs[i])
	}
	root.Operation.Cost = total
	return root, slices
}

func resolveInventory(root Op, stock map[batchKey]BalanceForGoods) (Op, []Op) {
	o := root.Operation
	var total BalanceForGoods
	for _, b := range stock {
		total = total.Add(b)
	}
	diff := o.Balance.Qty.Sub(total.Qty)
	root.Batches = nil

	switch {
	case diff.IsPositive():
		cost := o.Balance.Cost.Sub(total.Cost)
		if o.mode() == ModeAuto {
			cost = diff.CostOf(total)
		}
		batch := Batch{ID: root.ID, Date: root.Date}
		root.Operation.Delta = BalanceDelta{Qty: diff, Cost: cost}
		root.Batches = []Batch{batch}
		return root, []Op{dependentOf(root, batch, Receive(diff, cost))}

	case diff.IsNegative():
		want := diff.Neg()
		portions, rest := fifo(stock, want)
		portions = withShortfall(portions, rest, stock)
		costs := splitCost(o.mode(), total.Cost.Sub(o.Balance.Cost), want, portions)

		var removed Cost
		slices := make([]Op, 0, len(portions))
		for i, p := range portions {
			slice := dependentOf(root, p.batch, Issue(p.qty, costs[i], o.mode()))
			slice.StoreInto = root.StoreInto
			slices = append(slices, slice)
			root.Batches = append(root.Batches, p.batch)
			removed = removed.Add(costs[i])
		}
		root.Operation.Delta = BalanceDelta{Qty: diff, Cost: removed.Neg()}
		return root, slices
	}

	root.Operation.Delta = BalanceDelta{}
	return root, nil
}

func dependentOf(root Op, batch Batch, operation InternalOperation) Op {
	return Op{
		ID:          root.ID,
		Date:        root.Date,
		Store:       root.Store,
		Goods:       root.Goods,
		Batch:       batch,
		Operation:   operation,
		IsDependent: true,
	}
}

// =============================================================================
// CALCULATION
// =============================================================================

// evaluate resolves op against the balance before it and returns the
// resolved op with the chain balance after it.
func evaluate(before BalanceForGoods, op Op) (Op, BalanceForGoods) {
	if op.isHeader() {
		return op, before
	}
	o := op.Operation
	switch o.Kind {
	case KindIssue:
		if o.mode() == ModeAuto {
			o.Cost = o.Qty.CostOf(before)
		}
	case KindInventory:
		target := o.Balance
		if o.mode() == ModeAuto {
			target.Cost = target.Qty.CostOf(before)
		}
		o.Delta = BalanceDelta{Qty: target.Qty.Sub(before.Qty), Cost: target.Cost.Sub(before.Cost)}
	}
	op.Operation = o
	return op, before.Apply(op.Delta())
}

func (m *mutator) calculate(op Op, propagate bool) error {
	before, err := m.topo.BalanceBefore(m.ctx, m.w, op)
	if err != nil {
		return err
	}
	stored, err := m.topo.Get(m.ctx, m.w, op)
	if err != nil {
		return err
	}

	resolved, balance := evaluate(before, op)
	current := before
	if stored != nil {
		current = stored.Balance
	}
	if err := m.persist(stored, resolved, balance); err != nil {
		return err
	}
	if !propagate || current.Equal(balance) {
		return nil
	}
	return m.propagate(resolved, balance)
}

func (m *mutator) remove(op Op) error {
	stored, err := m.topo.Get(m.ctx, m.w, op)
	if err != nil || stored == nil {
		return err
	}
	before, err := m.topo.BalanceBefore(m.ctx, m.w, op)
	if err != nil {
		return err
	}

	if err := m.db.delOp(m.ctx, m.w, stored.Op); err != nil {
		return err
	}
	m.change(stored.Op, stored.Op.Delta().Neg())
	if mirror, ok := stored.Op.mirror(); ok {
		m.push(task{op: mirror, remove: true, propagate: true})
	}

	if stored.Balance.Equal(before) {
		return nil
	}
	return m.propagate(stored.Op, before)
}

// propagate walks the chain after from, carrying running forward, until a
// recomputed balance matches the stored one.
func (m *mutator) propagate(from Op, running BalanceForGoods) error {
	cursor := from
	for {
		recs, err := m.topo.OperationsAfter(m.ctx, m.w, cursor, m.db.pageSize)
		if err != nil {
			return err
		}
		for i := range recs {
			rec := &recs[i]
			m.steps++
			next, balance := evaluate(running, rec.Op)
			converged := rec.Balance.Equal(balance)
			if converged && next.Operation.resolvedEqual(rec.Op.Operation) {
				return nil
			}
			if err := m.persist(rec, next, balance); err != nil {
				return err
			}
			if converged {
				return nil
			}
			running = balance
			cursor = rec.Op
		}
		if len(recs) < m.db.pageSize {
			return nil
		}
	}
}

// persist writes or elides op, emits its Change and keeps its transfer
// mirror in step.
func (m *mutator) persist(stored *Record, op Op, balance BalanceForGoods) error {
	live := !op.isNetZero()
	if live {
		if err := m.db.putOp(m.ctx, m.w, op, balance); err != nil {
			return err
		}
	} else if stored != nil {
		if err := m.db.delOp(m.ctx, m.w, op); err != nil {
			return err
		}
	}

	var delta BalanceDelta
	if live {
		delta = op.Delta()
	}
	if stored != nil {
		delta = delta.Sub(stored.Op.Delta())
	}
	m.change(op, delta)

	if live && op.IsDependent {
		if err := m.syncHeader(op); err != nil {
			return err
		}
	}

	var oldMirror, newMirror Op
	var hadMirror, hasMirror bool
	if stored != nil {
		oldMirror, hadMirror = stored.Op.mirror()
	}
	if live {
		newMirror, hasMirror = op.mirror()
	}
	sameTarget := hadMirror && hasMirror && oldMirror.Store == newMirror.Store
	if hadMirror && !sameTarget {
		m.push(task{op: oldMirror, remove: true, propagate: true})
	}
	if hasMirror && !(sameTarget && oldMirror.Operation.resolvedEqual(newMirror.Operation)) {
		m.push(task{op: newMirror, propagate: true})
	}
	return nil
}

// syncHeader re-derives the total of the header that slice belongs to, if
// any, from the slices stored for it. Headers carry no delta, so no Change
// is emitted.
func (m *mutator) syncHeader(slice Op) error {
	var header *Record
	for _, kind := range []OpKind{KindIssue, KindInventory} {
		rec, err := m.topo.Get(m.ctx, m.w, Op{
			ID:        slice.ID,
			Date:      slice.Date,
			Store:     slice.Store,
			Goods:     slice.Goods,
			Batch:     NoBatch(),
			Operation: InternalOperation{Kind: kind},
		})
		if err != nil {
			return err
		}
		if rec != nil {
			header = rec
			break
		}
	}
	if header == nil {
		return nil
	}

	var sum BalanceDelta
	for _, b := range header.Op.Batches {
		for _, kind := range []OpKind{KindReceive, KindIssue} {
			rec, err := m.topo.Get(m.ctx, m.w, dependentOf(header.Op, b, InternalOperation{Kind: kind}))
			if err != nil {
				return err
			}
			if rec != nil {
				sum = sum.Add(rec.Op.Delta())
			}
		}
	}

	next := header.Op
	if next.Operation.Kind == KindIssue {
		next.Operation.Cost = sum.Cost.Neg()
	} else {
		next.Operation.Delta = sum
	}
	if next.Operation.resolvedEqual(header.Op.Operation) {
		return nil
	}
	return m.db.putOp(m.ctx, m.w, next, header.Balance)
}

func (m *mutator) change(op Op, delta BalanceDelta) {
	if delta.IsZero() {
		return
	}
	m.changes = append(m.changes, Change{
		Store: op.Store,
		Goods: op.Goods,
		Batch: op.Batch,
		Date:  op.Date,
		Delta: delta,
	})
}
