/*
scenarios.go - Pre-built demo scenarios for testing and demonstration

PURPOSE:
  Provides one-click loading of warehouse data sets that show the ledger's
  behaviours end to end. Each scenario resets the store, then records its
  operations through Db.RecordOps exactly as a client would, in several
  calls where the point is a later correction.

AVAILABLE SCENARIOS:
  1. receipt-transfer
     - 3 units received at Main, the whole count moved to Outlet
     - the receipt is later corrected to 4 units; Outlet follows

  2. fifo-issue
     - two lots received a few days apart
     - one issue without a batch drains the older lot first

  3. two-batch-report
     - a late receipt, then two backdated receipts in separate lots
     - the storage report over 2023-01-17..2023-01-20 shows both lots

  4. backdated-checkpoints
     - receipts spread over three months
     - an issue backdated into the first month rewrites later checkpoints

IDENTIFIERS:
  Stores, goods and operation ids are derived with DemoID(name), so the
  same scenario always produces the same UUIDs.

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - ledger/db.go: RecordOps
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "receipt-transfer",
		Name:        "Receipt and Transfer",
		Description: "Receive 3 units, move them to another store, then correct the receipt to 4",
		Category:    "transfers",
	},
	{
		ID:          "fifo-issue",
		Name:        "FIFO Issue",
		Description: "An issue without a batch consumes the oldest lots first",
		Category:    "batches",
	},
	{
		ID:          "two-batch-report",
		Name:        "Two-Batch Report",
		Description: "Backdated receipts in two lots, reported per batch",
		Category:    "reports",
	},
	{
		ID:          "backdated-checkpoints",
		Name:        "Backdated Correction",
		Description: "An issue backdated two months rewrites every later monthly checkpoint",
		Category:    "checkpoints",
	},
}

var demoNamespace = uuid.MustParse("6f1c9a52-3c1e-4c55-9d7a-1f0f3e0c2b11")

// DemoID returns the stable UUID behind a scenario name such as "store:main".
func DemoID(name string) uuid.UUID {
	return uuid.NewSHA1(demoNamespace, []byte(name))
}

var (
	demoMain   = DemoID("store:main")
	demoOutlet = DemoID("store:outlet")
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	if err := load(ctx, h.Db); err != nil {
		writeLedgerError(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"scenario": req.ScenarioID}).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
	})
}

var scenarioLoaders = map[string]func(context.Context, *ledger.Db) error{
	"receipt-transfer":      loadReceiptTransferScenario,
	"fifo-issue":            loadFIFOIssueScenario,
	"two-batch-report":      loadTwoBatchReportScenario,
	"backdated-checkpoints": loadBackdatedCheckpointsScenario,
}

// LoadScenarioInto records a scenario's operations into db without
// resetting anything. Used by cmd/server for -seed.
func LoadScenarioInto(ctx context.Context, db *ledger.Db, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return fmt.Errorf("unknown scenario %q", id)
	}
	return load(ctx, db)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadReceiptTransferScenario(ctx context.Context, db *ledger.Db) error {
	goods := DemoID("goods:olive-oil")
	receipt := DemoID("op:receipt-transfer/receive")
	move := DemoID("op:receipt-transfer/move")
	received := demoDay(2023, time.January, 2)
	lot := ledger.Batch{ID: receipt, Date: received}
	outlet := demoOutlet

	if err := db.RecordOps(ctx, []ledger.OpMutation{
		demoReceive(receipt, received, demoMain, goods, lot, "3", "0.3"),
	}); err != nil {
		return err
	}

	// Count Main down to zero, moving whatever was there to Outlet.
	count := ledger.Inventory(ledger.BalanceForGoods{}, ledger.ModeAuto)
	if err := db.RecordOps(ctx, []ledger.OpMutation{{
		ID:       move,
		Date:     demoDay(2023, time.January, 3),
		Store:    demoMain,
		Goods:    goods,
		Batch:    lot,
		Transfer: &outlet,
		After:    &count,
	}}); err != nil {
		return err
	}

	before := ledger.Receive(ledger.MustQty("3"), ledger.MustCost("0.3"))
	after := ledger.Receive(ledger.MustQty("4"), ledger.MustCost("0.4"))
	return db.RecordOps(ctx, []ledger.OpMutation{{
		ID:     receipt,
		Date:   received,
		Store:  demoMain,
		Goods:  goods,
		Batch:  lot,
		Before: &before,
		After:  &after,
	}})
}

func loadFIFOIssueScenario(ctx context.Context, db *ledger.Db) error {
	goods := DemoID("goods:flour")
	first := DemoID("op:fifo-issue/receive-1")
	second := DemoID("op:fifo-issue/receive-2")
	d1, d2 := demoDay(2023, time.February, 1), demoDay(2023, time.February, 5)

	if err := db.RecordOps(ctx, []ledger.OpMutation{
		demoReceive(first, d1, demoMain, goods, ledger.Batch{ID: first, Date: d1}, "10", "20.00"),
		demoReceive(second, d2, demoMain, goods, ledger.Batch{ID: second, Date: d2}, "10", "30.00"),
	}); err != nil {
		return err
	}

	issue := ledger.Issue(ledger.MustQty("15"), ledger.Cost{}, ledger.ModeAuto)
	return db.RecordOps(ctx, []ledger.OpMutation{{
		ID:    DemoID("op:fifo-issue/issue"),
		Date:  demoDay(2023, time.February, 10),
		Store: demoMain,
		Goods: goods,
		Batch: ledger.NoBatch(),
		After: &issue,
	}})
}

func loadTwoBatchReportScenario(ctx context.Context, db *ledger.Db) error {
	goods := DemoID("goods:rice")
	late := DemoID("op:two-batch-report/late")
	first := DemoID("op:two-batch-report/lot-1")
	second := DemoID("op:two-batch-report/lot-2")
	d22, d20 := demoDay(2023, time.January, 22), demoDay(2023, time.January, 20)

	if err := db.RecordOps(ctx, []ledger.OpMutation{
		demoReceive(late, d22, demoMain, goods, ledger.Batch{ID: late, Date: d22}, "5", "5"),
	}); err != nil {
		return err
	}
	return db.RecordOps(ctx, []ledger.OpMutation{
		demoReceive(first, d20, demoMain, goods, ledger.Batch{ID: first, Date: d20}, "60", "60"),
		demoReceive(second, d20, demoMain, goods, ledger.Batch{ID: second, Date: d20}, "40", "40"),
	})
}

func loadBackdatedCheckpointsScenario(ctx context.Context, db *ledger.Db) error {
	goods := DemoID("goods:coffee")
	jan := DemoID("op:backdated-checkpoints/jan")
	mar := DemoID("op:backdated-checkpoints/mar")
	dJan, dMar := demoDay(2023, time.January, 10), demoDay(2023, time.March, 5)
	lot := ledger.Batch{ID: jan, Date: dJan}

	if err := db.RecordOps(ctx, []ledger.OpMutation{
		demoReceive(jan, dJan, demoOutlet, goods, lot, "100", "1000"),
		demoReceive(mar, dMar, demoOutlet, goods, ledger.Batch{ID: mar, Date: dMar}, "50", "600"),
	}); err != nil {
		return err
	}

	issue := ledger.Issue(ledger.MustQty("30"), ledger.Cost{}, ledger.ModeAuto)
	return db.RecordOps(ctx, []ledger.OpMutation{{
		ID:    DemoID("op:backdated-checkpoints/issue"),
		Date:  demoDay(2023, time.January, 20),
		Store: demoOutlet,
		Goods: goods,
		Batch: lot,
		After: &issue,
	}})
}

// =============================================================================
// HELPERS
// =============================================================================

func demoDay(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func demoReceive(id uuid.UUID, date time.Time, store, goods uuid.UUID, batch ledger.Batch, qty, cost string) ledger.OpMutation {
	op := ledger.Receive(ledger.MustQty(qty), ledger.MustCost(cost))
	return ledger.OpMutation{
		ID:    id,
		Date:  date,
		Store: store,
		Goods: goods,
		Batch: batch,
		After: &op,
	}
}
