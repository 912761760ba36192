/*
Package ledger provides the inventory ledger engine.

PURPOSE:
  Tracks quantity and cost balances per (store, goods, batch) over time.
  Every operation is stored together with the cumulative balance of its
  chain, so "balance as of here" is a single read. Backdated corrections
  recompute only the affected suffix of a chain, and monthly checkpoints
  bound the cost of point-in-time reports.

KEY CONCEPTS IN THIS FILE (types.go):
  - Batch: a lot of goods, identified by id + acquisition date
  - InternalOperation: Receive, Issue or Inventory (physical count)
  - Op: a materialized ledger record
  - OpMutation: the caller-facing change descriptor (insert/edit/delete)
  - BalanceForGoods / BalanceDelta / Balance: cumulative state, per-op
    contribution, and monthly checkpoint record

LEDGER CHAIN:
  Operations sharing (store, goods, batch), ordered by
  (date, kind, id, dependent), form a chain. The balance persisted with an
  Op is the sum of every delta in the chain up to and including that Op.

DEPENDENT OPERATIONS:
  The engine synthesizes operations of its own: the receiving half of a
  transfer, and the per-batch slices of an Issue or Inventory recorded
  without a batch (FIFO resolution). Callers never address them directly;
  they are created and removed as a side effect of mutating their parent.

SEE ALSO:
  - codec.go: key encodings per ordering
  - ordered.go: ordered topologies (the ledger proper)
  - checkpoint.go: monthly snapshots
  - mutate.go: incremental recomputation
  - db.go: orchestration across topologies
  - report.go: aggregation/report builder
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// BATCH - A specific lot of goods
// =============================================================================

// Batch identifies one lot (typically one receipt) of goods.
type Batch struct {
	ID   uuid.UUID `json:"id"`
	Date time.Time `json:"date"`
}

var epoch = time.Unix(0, 0).UTC()

// NoBatch is the sentinel for "not yet resolved to a specific lot".
func NoBatch() Batch { return Batch{ID: uuid.Nil, Date: epoch} }

// IsNone reports whether b is the NoBatch sentinel.
func (b Batch) IsNone() bool { return b.ID == uuid.Nil }

// Before orders batches oldest first, ties broken by id.
func (b Batch) Before(o Batch) bool {
	if !b.Date.Equal(o.Date) {
		return b.Date.Before(o.Date)
	}
	return compareUUID(b.ID, o.ID) < 0
}

// Equal compares batches by id and instant.
func (b Batch) Equal(o Batch) bool { return b.ID == o.ID && b.Date.Equal(o.Date) }

func (b Batch) key() batchKey { return batchKey{ID: b.ID, Millis: toMillis(b.Date)} }

// batchKey is a comparable form of Batch usable as a map key.
type batchKey struct {
	ID     uuid.UUID
	Millis uint64
}

func (k batchKey) batch() Batch { return Batch{ID: k.ID, Date: fromMillis(k.Millis)} }

// =============================================================================
// BALANCES
// =============================================================================

// BalanceForGoods is the cumulative stock state for one chain position.
type BalanceForGoods struct {
	Qty  Qty  `json:"qty"`
	Cost Cost `json:"cost"`
}

func (b BalanceForGoods) Apply(d BalanceDelta) BalanceForGoods {
	return BalanceForGoods{Qty: b.Qty.Add(d.Qty), Cost: b.Cost.Add(d.Cost)}
}

func (b BalanceForGoods) Add(o BalanceForGoods) BalanceForGoods {
	return BalanceForGoods{Qty: b.Qty.Add(o.Qty), Cost: b.Cost.Add(o.Cost)}
}

func (b BalanceForGoods) IsZero() bool { return b.Qty.IsZero() && b.Cost.IsZero() }

func (b BalanceForGoods) Equal(o BalanceForGoods) bool {
	return b.Qty.Equal(o.Qty) && b.Cost.Equal(o.Cost)
}

// BalanceDelta is the signed contribution of a single operation.
type BalanceDelta struct {
	Qty  Qty  `json:"qty"`
	Cost Cost `json:"cost"`
}

func (d BalanceDelta) Add(o BalanceDelta) BalanceDelta {
	return BalanceDelta{Qty: d.Qty.Add(o.Qty), Cost: d.Cost.Add(o.Cost)}
}

func (d BalanceDelta) Sub(o BalanceDelta) BalanceDelta {
	return BalanceDelta{Qty: d.Qty.Sub(o.Qty), Cost: d.Cost.Sub(o.Cost)}
}

func (d BalanceDelta) Neg() BalanceDelta { return BalanceDelta{Qty: d.Qty.Neg(), Cost: d.Cost.Neg()} }

func (d BalanceDelta) IsZero() bool { return d.Qty.IsZero() && d.Cost.IsZero() }

func (d BalanceDelta) Equal(o BalanceDelta) bool {
	return d.Qty.Equal(o.Qty) && d.Cost.Equal(o.Cost)
}

// Balance is a checkpoint record: the cumulative balance of a chain for all
// operations dated strictly before Date, the first day of a month.
type Balance struct {
	Date   time.Time       `json:"date"`
	Store  uuid.UUID       `json:"store"`
	Goods  uuid.UUID       `json:"goods"`
	Batch  Batch           `json:"batch"`
	Number BalanceForGoods `json:"number"`
}

// =============================================================================
// INTERNAL OPERATION - Receive / Inventory / Issue
// =============================================================================

// OpKind is the operation discriminant. Its numeric value is part of every
// ordered key: at an equal timestamp receipts sort before counts, and counts
// before issues.
type OpKind uint8

const (
	KindReceive   OpKind = 1
	KindInventory OpKind = 2
	KindIssue     OpKind = 3
)

func (k OpKind) String() string {
	switch k {
	case KindReceive:
		return "receive"
	case KindInventory:
		return "inventory"
	case KindIssue:
		return "issue"
	default:
		return "unknown"
	}
}

func (k OpKind) valid() bool { return k >= KindReceive && k <= KindIssue }

// Mode selects where an operation's cost comes from.
type Mode string

const (
	// ModeAuto derives cost from the weighted-average unit cost of the
	// balance preceding the operation; it is recomputed whenever that
	// balance changes.
	ModeAuto Mode = "auto"
	// ModeManual takes the cost verbatim from the caller.
	ModeManual Mode = "manual"
)

// InternalOperation is a tagged union over Kind:
//
//	Receive(Qty, Cost)
//	Issue(Qty, Cost, Mode)
//	Inventory(Balance, Delta, Mode)
//
// For Inventory, Balance is the declared count and Delta the adjustment the
// engine resolved against the preceding balance.
type InternalOperation struct {
	Kind    OpKind          `json:"kind"`
	Qty     Qty             `json:"qty"`
	Cost    Cost            `json:"cost"`
	Mode    Mode            `json:"mode,omitempty"`
	Balance BalanceForGoods `json:"balance"`
	Delta   BalanceDelta    `json:"delta"`
}

func Receive(qty Qty, cost Cost) InternalOperation {
	return InternalOperation{Kind: KindReceive, Qty: qty, Cost: cost, Mode: ModeManual}
}

func Issue(qty Qty, cost Cost, mode Mode) InternalOperation {
	return InternalOperation{Kind: KindIssue, Qty: qty, Cost: cost, Mode: mode}
}

func Inventory(balance BalanceForGoods, mode Mode) InternalOperation {
	return InternalOperation{Kind: KindInventory, Balance: balance, Mode: mode}
}

// delta is the signed effect of an already-resolved operation.
func (o InternalOperation) delta() BalanceDelta {
	switch o.Kind {
	case KindReceive:
		return BalanceDelta{Qty: o.Qty, Cost: o.Cost}
	case KindIssue:
		return BalanceDelta{Qty: o.Qty.Neg(), Cost: o.Cost.Neg()}
	case KindInventory:
		return o.Delta
	}
	return BalanceDelta{}
}

// Matches reports whether o is the operation a caller described as other.
// Engine-derived values (Auto costs, resolved inventory deltas) are not
// compared.
func (o InternalOperation) Matches(other InternalOperation) bool {
	if o.Kind != other.Kind || o.mode() != other.mode() {
		return false
	}
	switch o.Kind {
	case KindInventory:
		if !o.Balance.Qty.Equal(other.Balance.Qty) {
			return false
		}
		return o.mode() == ModeAuto || o.Balance.Cost.Equal(other.Balance.Cost)
	case KindReceive:
		return o.Qty.Equal(other.Qty) && o.Cost.Equal(other.Cost)
	default:
		if !o.Qty.Equal(other.Qty) {
			return false
		}
		return o.mode() == ModeAuto || o.Cost.Equal(other.Cost)
	}
}

// resolvedEqual compares every field, engine-derived values included.
func (o InternalOperation) resolvedEqual(p InternalOperation) bool {
	return o.Kind == p.Kind && o.mode() == p.mode() &&
		o.Qty.Equal(p.Qty) && o.Cost.Equal(p.Cost) &&
		o.Balance.Equal(p.Balance) && o.Delta.Equal(p.Delta)
}

func (o InternalOperation) mode() Mode {
	if o.Kind == KindReceive || o.Mode == "" {
		return ModeManual
	}
	return o.Mode
}

// =============================================================================
// OP - Materialized ledger record
// =============================================================================

// Op is one stored ledger record.
type Op struct {
	ID          uuid.UUID         `json:"id"`
	Date        time.Time         `json:"date"`
	Store       uuid.UUID         `json:"store"`
	Goods       uuid.UUID         `json:"goods"`
	Batch       Batch             `json:"batch"`
	StoreInto   *uuid.UUID        `json:"store_into,omitempty"`
	Operation   InternalOperation `json:"op"`
	IsDependent bool              `json:"is_dependent"`
	Batches     []Batch           `json:"batches,omitempty"`
}

// Delta is the op's contribution to its chain. Headers contribute nothing:
// their effect is carried by their per-batch dependents.
func (op Op) Delta() BalanceDelta {
	if op.isHeader() {
		return BalanceDelta{}
	}
	return op.Operation.delta()
}

// isBatchless reports whether op still needs FIFO resolution.
func (op Op) isBatchless() bool {
	return op.Batch.IsNone() && !op.IsDependent &&
		(op.Operation.Kind == KindIssue || op.Operation.Kind == KindInventory)
}

// isHeader reports whether op is a batch-less parent. Parents are always
// resolved through FIFO before they are stored, so a stored batch-less op is
// a header whose per-batch dependents carry its effect.
func (op Op) isHeader() bool { return op.isBatchless() }

// isNetZero reports whether op has no effect worth storing. Inventory counts
// are kept even when they match the stock: they pin the chain balance and
// must re-adjust when an earlier operation changes.
func (op Op) isNetZero() bool {
	if len(op.Batches) > 0 || op.Operation.Kind == KindInventory {
		return false
	}
	return op.Operation.delta().IsZero()
}

// mirror returns the dependent receiving half of a transfer, or false when
// op moves nothing out to another store.
func (op Op) mirror() (Op, bool) {
	if op.StoreInto == nil || op.isHeader() {
		return Op{}, false
	}
	var moved BalanceDelta
	switch op.Operation.Kind {
	case KindIssue:
		moved = op.Operation.delta().Neg()
	case KindInventory:
		if op.Operation.Delta.Qty.IsPositive() {
			return Op{}, false
		}
		moved = op.Operation.Delta.Neg()
	default:
		return Op{}, false
	}
	from := op.Store
	return Op{
		ID:          op.ID,
		Date:        op.Date,
		Store:       *op.StoreInto,
		Goods:       op.Goods,
		Batch:       op.Batch,
		StoreInto:   &from,
		Operation:   Receive(moved.Qty, moved.Cost),
		IsDependent: true,
	}, true
}

// chainBefore orders two ops of one chain by (date, kind, id, dependent),
// the order every key codec preserves.
func chainBefore(a, b Op) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	if a.Operation.Kind != b.Operation.Kind {
		return a.Operation.Kind < b.Operation.Kind
	}
	if c := compareUUID(a.ID, b.ID); c != 0 {
		return c < 0
	}
	return !a.IsDependent && b.IsDependent
}

// Record is an Op together with the cumulative chain balance stored with it.
type Record struct {
	Op      Op              `json:"op"`
	Balance BalanceForGoods `json:"balance"`
}

// =============================================================================
// OP MUTATION - Caller-facing change descriptor
// =============================================================================

// OpMutation describes one change to the ledger.
//
//	Before == nil            insert
//	After == nil             delete
//	both set                 edit
//
// Before, when given, must match what is stored at the key or the whole
// RecordOps call is rejected with ErrConflict.
type OpMutation struct {
	ID          uuid.UUID          `json:"id"`
	Date        time.Time          `json:"date"`
	Store       uuid.UUID          `json:"store"`
	Goods       uuid.UUID          `json:"goods"`
	Batch       Batch              `json:"batch"`
	Transfer    *uuid.UUID         `json:"transfer,omitempty"`
	Before      *InternalOperation `json:"before,omitempty"`
	After       *InternalOperation `json:"after,omitempty"`
	IsDependent bool               `json:"is_dependent"`
	Batches     []Batch            `json:"batches,omitempty"`
}

// op builds the logical Op for one side of the mutation.
func (m OpMutation) op(operation InternalOperation) Op {
	batch := NoBatch()
	if !m.Batch.IsNone() {
		batch = Batch{ID: m.Batch.ID, Date: normalize(m.Batch.Date)}
	}
	return Op{
		ID:          m.ID,
		Date:        normalize(m.Date),
		Store:       m.Store,
		Goods:       m.Goods,
		Batch:       batch,
		StoreInto:   m.Transfer,
		Operation:   operation,
		IsDependent: m.IsDependent,
	}
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
