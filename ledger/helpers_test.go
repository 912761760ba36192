package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/warp/inventory-ledger/ledger"
	"github.com/warp/inventory-ledger/ledger/store"
	"github.com/warp/inventory-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixture struct {
	t   *testing.T
	ctx context.Context
	db  *ledger.Db
}

// eachBackend runs fn once against the in-memory KV and once against an
// in-memory SQLite database.
func eachBackend(t *testing.T, fn func(t *testing.T, f *fixture)) {
	backends := map[string]func(t *testing.T) ledger.KV{
		"memory": func(t *testing.T) ledger.KV { return store.NewMemory() },
		"sqlite": func(t *testing.T) ledger.KV {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for _, name := range []string{"memory", "sqlite"} {
		newKV := backends[name]
		t.Run(name, func(t *testing.T) {
			// A tiny page size makes every propagation cross page boundaries.
			db := ledger.New(newKV(t), ledger.WithPageSize(2))
			fn(t, &fixture{t: t, ctx: context.Background(), db: db})
		})
	}
}

func (f *fixture) record(muts ...ledger.OpMutation) {
	f.t.Helper()
	require.NoError(f.t, f.db.RecordOps(f.ctx, muts))
}

func (f *fixture) balance(store, goods uuid.UUID, batch ledger.Batch, at time.Time) ledger.BalanceForGoods {
	f.t.Helper()
	b, err := f.db.GetBalance(f.ctx, store, goods, batch, at)
	require.NoError(f.t, err)
	return b
}

// verify fails the test when the stored ledger is inconsistent.
func (f *fixture) verify() ledger.Audit {
	f.t.Helper()
	audit, err := f.db.Verify(f.ctx)
	require.NoError(f.t, err)
	require.Empty(f.t, audit.Issues, "ledger audit should be clean")
	return audit
}

// =============================================================================
// BUILDERS
// =============================================================================

var (
	storeA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	storeB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	storeC = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	goodsG = uuid.MustParse("00000000-0000-0000-0000-000000000100")
	goodsH = uuid.MustParse("00000000-0000-0000-0000-000000000200")
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func bal(qty, cost string) ledger.BalanceForGoods {
	return ledger.BalanceForGoods{Qty: ledger.MustQty(qty), Cost: ledger.MustCost(cost)}
}

func lot(id uuid.UUID, date time.Time) ledger.Batch {
	return ledger.Batch{ID: id, Date: date}
}

func receiveOp(qty, cost string) *ledger.InternalOperation {
	op := ledger.Receive(ledger.MustQty(qty), ledger.MustCost(cost))
	return &op
}

func issueOp(qty, cost string, mode ledger.Mode) *ledger.InternalOperation {
	op := ledger.Issue(ledger.MustQty(qty), ledger.MustCost(cost), mode)
	return &op
}

func countOp(qty, cost string, mode ledger.Mode) *ledger.InternalOperation {
	op := ledger.Inventory(bal(qty, cost), mode)
	return &op
}

// receive inserts a receipt that opens its own batch.
func receive(id uuid.UUID, date time.Time, store, goods uuid.UUID, qty, cost string) ledger.OpMutation {
	return ledger.OpMutation{
		ID:    id,
		Date:  date,
		Store: store,
		Goods: goods,
		Batch: lot(id, date),
		After: receiveOp(qty, cost),
	}
}

func insert(id uuid.UUID, date time.Time, store, goods uuid.UUID, batch ledger.Batch, op *ledger.InternalOperation) ledger.OpMutation {
	return ledger.OpMutation{ID: id, Date: date, Store: store, Goods: goods, Batch: batch, After: op}
}

func transfer(m ledger.OpMutation, into uuid.UUID) ledger.OpMutation {
	m.Transfer = &into
	return m
}

func requireBalance(t *testing.T, want, got ledger.BalanceForGoods, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, want.Equal(got), "want %s/%s, got %s/%s %v",
		want.Qty, want.Cost, got.Qty, got.Cost, msgAndArgs)
}

func findGroup(items []ledger.Aggregation, goods uuid.UUID, batch ledger.Batch) (ledger.Aggregation, bool) {
	for _, it := range items {
		if it.Goods == goods && it.Batch.Equal(batch) {
			return it, true
		}
	}
	return ledger.Aggregation{}, false
}

func id(n int) uuid.UUID {
	var u uuid.UUID
	u[14] = byte(n >> 8)
	u[15] = byte(n)
	u[0] = 0x10
	return u
}
