package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/inventory-ledger/ledger"
)

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenario_ReceiveThenTransferEverything(t *testing.T) {
	// GIVEN: 3 units received at A on Jan 2 into their own batch
	// WHEN: All 3 units are issued from A into B on Jan 3
	// THEN: A's chain is empty, B holds the whole batch at the same cost
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, t1 := id(1), id(2)
		batch := lot(r1, day(2023, 1, 2))

		f.record(receive(r1, day(2023, 1, 2), storeA, goodsG, "3", "0.3"))
		f.record(transfer(insert(t1, day(2023, 1, 3), storeA, goodsG, batch, issueOp("3", "0", ledger.ModeAuto)), storeB))

		requireBalance(t, bal("0", "0"), f.balance(storeA, goodsG, batch, day(2023, 1, 31)))
		requireBalance(t, bal("3", "0.3"), f.balance(storeB, goodsG, batch, day(2023, 1, 31)))

		snapshot, err := f.db.GetBalanceForAll(f.ctx, day(2023, 1, 31))
		require.NoError(t, err)
		_, found := snapshot.Lookup(storeA, goodsG, batch)
		assert.False(t, found, "a drained chain is not part of the snapshot")
		got, found := snapshot.Lookup(storeB, goodsG, batch)
		require.True(t, found)
		requireBalance(t, bal("3", "0.3"), got)

		f.verify()
	})
}

func TestScenario_EditedReceiptFlowsThroughTransfer(t *testing.T) {
	// GIVEN: 3 units received at A, and A counted down to zero on Jan 3 with
	//        the difference moved into B
	// WHEN: The Jan 2 receipt is corrected to 4 units costing 0.4
	// THEN: B now holds 4 units at 0.4 without the transfer being re-sent
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, move := id(1), id(2)
		batch := lot(r1, day(2023, 1, 2))

		f.record(receive(r1, day(2023, 1, 2), storeA, goodsG, "3", "0.3"))
		f.record(transfer(insert(move, day(2023, 1, 3), storeA, goodsG, batch, countOp("0", "0", ledger.ModeAuto)), storeB))
		requireBalance(t, bal("3", "0.3"), f.balance(storeB, goodsG, batch, day(2023, 1, 31)))

		f.record(ledger.OpMutation{
			ID:     r1,
			Date:   day(2023, 1, 2),
			Store:  storeA,
			Goods:  goodsG,
			Batch:  batch,
			Before: receiveOp("3", "0.3"),
			After:  receiveOp("4", "0.4"),
		})

		requireBalance(t, bal("4", "0.4"), f.balance(storeB, goodsG, batch, day(2023, 1, 31)))
		requireBalance(t, bal("0", "0"), f.balance(storeA, goodsG, batch, day(2023, 1, 31)))

		report, err := f.db.GetReportForGoods(f.ctx, storeB, goodsG, batch, day(2023, 1, 1), day(2023, 1, 31))
		require.NoError(t, err)
		require.Len(t, report.Items, 1)
		item := report.Items[0]
		assert.True(t, item.Op.IsDependent)
		require.NotNil(t, item.Op.StoreInto)
		assert.Equal(t, storeA, *item.Op.StoreInto, "the mirror points back at its source")
		requireBalance(t, bal("4", "0.4"), report.Close)

		f.verify()
	})
}

func TestScenario_BackdatedReceiptsReportedPerBatch(t *testing.T) {
	// GIVEN: A receipt on Jan 22, then two backdated receipts on Jan 20 in
	//        separate batches (60/60 and 40/40)
	// WHEN: The storage report runs over Jan 17..Jan 20
	// THEN: Each batch has open 0, receive = close = its qty/cost, no issue
	eachBackend(t, func(t *testing.T, f *fixture) {
		late, b1, b2 := id(1), id(2), id(3)

		f.record(receive(late, day(2023, 1, 22), storeA, goodsG, "5", "5"))
		f.record(
			receive(b1, day(2023, 1, 20), storeA, goodsG, "60", "60"),
			receive(b2, day(2023, 1, 20), storeA, goodsG, "40", "40"),
		)

		report, err := f.db.GetReportForStorage(f.ctx, storeA, day(2023, 1, 17), day(2023, 1, 20))
		require.NoError(t, err)
		require.Len(t, report.Items, 2)

		for _, tc := range []struct {
			batch     ledger.Batch
			qty, cost string
		}{
			{lot(b1, day(2023, 1, 20)), "60", "60"},
			{lot(b2, day(2023, 1, 20)), "40", "40"},
		} {
			g, ok := findGroup(report.Items, goodsG, tc.batch)
			require.True(t, ok)
			requireBalance(t, bal("0", "0"), g.Open)
			requireBalance(t, bal(tc.qty, tc.cost), g.Receive)
			requireBalance(t, bal("0", "0"), g.Issue)
			requireBalance(t, bal(tc.qty, tc.cost), g.Close)
		}
		requireBalance(t, bal("100", "100"), report.Totals.Receive)
		requireBalance(t, bal("100", "100"), report.Totals.Close)

		f.verify()
	})
}

// =============================================================================
// FIFO RESOLUTION
// =============================================================================

func TestFIFO_IssueWithoutBatchConsumesOldestFirst(t *testing.T) {
	// GIVEN: Two batches of 10 received on Feb 1 (20.00) and Feb 5 (30.00)
	// WHEN: 15 units are issued on Feb 10 without naming a batch
	// THEN: The Feb 1 batch is drained and 5 units come out of the Feb 5 batch
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, r2, i1 := id(1), id(2), id(3)
		f.record(
			receive(r1, day(2023, 2, 1), storeA, goodsG, "10", "20.00"),
			receive(r2, day(2023, 2, 5), storeA, goodsG, "10", "30.00"),
		)
		f.record(insert(i1, day(2023, 2, 10), storeA, goodsG, ledger.NoBatch(), issueOp("15", "0", ledger.ModeAuto)))

		at := day(2023, 2, 28)
		requireBalance(t, bal("0", "0"), f.balance(storeA, goodsG, lot(r1, day(2023, 2, 1)), at))
		requireBalance(t, bal("5", "15"), f.balance(storeA, goodsG, lot(r2, day(2023, 2, 5)), at))
		requireBalance(t, bal("0", "0"), f.balance(storeA, goodsG, ledger.NoBatch(), at), "stock covered the issue")

		report, err := f.db.GetReportForGoods(f.ctx, storeA, goodsG, ledger.NoBatch(), day(2023, 2, 1), at)
		require.NoError(t, err)
		require.Len(t, report.Items, 4, "two receipts and two per-batch slices; the parent is not listed")
		for _, it := range report.Items[2:] {
			assert.Equal(t, i1, it.Op.ID)
			assert.True(t, it.Op.IsDependent)
		}
		requireBalance(t, bal("5", "15"), report.Close)

		f.verify()
	})
}

func TestFIFO_ShortfallIsBookedWithoutBatch(t *testing.T) {
	// GIVEN: 5 units in stock
	// WHEN: 8 units are issued without a batch
	// THEN: The batch is drained and the missing 3 units go negative on NoBatch
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, i1 := id(1), id(2)
		f.record(receive(r1, day(2023, 3, 1), storeA, goodsG, "5", "10"))
		f.record(insert(i1, day(2023, 3, 2), storeA, goodsG, ledger.NoBatch(), issueOp("8", "0", ledger.ModeAuto)))

		at := day(2023, 3, 31)
		requireBalance(t, bal("0", "0"), f.balance(storeA, goodsG, lot(r1, day(2023, 3, 1)), at))
		requireBalance(t, bal("-3", "0"), f.balance(storeA, goodsG, ledger.NoBatch(), at))

		f.verify()
	})
}

func TestFIFO_InventorySurplusOpensBatch(t *testing.T) {
	// GIVEN: 5 units costing 10 in stock
	// WHEN: A count without batch finds 8 units worth 16
	// THEN: The 3 extra units are received into a batch named after the count
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, c1 := id(1), id(2)
		f.record(receive(r1, day(2023, 3, 1), storeA, goodsG, "5", "10"))
		f.record(insert(c1, day(2023, 3, 5), storeA, goodsG, ledger.NoBatch(), countOp("8", "16", ledger.ModeManual)))

		at := day(2023, 3, 31)
		requireBalance(t, bal("5", "10"), f.balance(storeA, goodsG, lot(r1, day(2023, 3, 1)), at))
		requireBalance(t, bal("3", "6"), f.balance(storeA, goodsG, lot(c1, day(2023, 3, 5)), at))

		report, err := f.db.GetReportForStorage(f.ctx, storeA, day(2023, 3, 1), at)
		require.NoError(t, err)
		requireBalance(t, bal("8", "16"), report.Totals.Close)

		f.verify()
	})
}

func TestFIFO_InventoryShortageConsumesOldest(t *testing.T) {
	// GIVEN: Batches of 10 (cost 100) and 10 (cost 200)
	// WHEN: An Auto count without batch finds 12 units
	// THEN: 8 units leave the older batch at its average cost
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, r2, c1 := id(1), id(2), id(3)
		f.record(
			receive(r1, day(2023, 3, 1), storeA, goodsG, "10", "100"),
			receive(r2, day(2023, 3, 2), storeA, goodsG, "10", "200"),
		)
		f.record(insert(c1, day(2023, 3, 5), storeA, goodsG, ledger.NoBatch(), countOp("12", "0", ledger.ModeAuto)))

		at := day(2023, 3, 31)
		requireBalance(t, bal("2", "20"), f.balance(storeA, goodsG, lot(r1, day(2023, 3, 1)), at))
		requireBalance(t, bal("10", "200"), f.balance(storeA, goodsG, lot(r2, day(2023, 3, 2)), at))

		f.verify()
	})
}

func TestFIFO_UsesCheckpointAcrossMonths(t *testing.T) {
	// GIVEN: A January receipt, so the only stock lives in a checkpoint
	// WHEN: A batch-less issue is recorded in March
	// THEN: FIFO still finds the January batch
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, i1 := id(1), id(2)
		f.record(receive(r1, day(2023, 1, 10), storeA, goodsG, "10", "100"))
		f.record(insert(i1, day(2023, 3, 15), storeA, goodsG, ledger.NoBatch(), issueOp("4", "0", ledger.ModeAuto)))

		requireBalance(t, bal("6", "60"), f.balance(storeA, goodsG, lot(r1, day(2023, 1, 10)), day(2023, 3, 31)))
		requireBalance(t, bal("0", "0"), f.balance(storeA, goodsG, ledger.NoBatch(), day(2023, 3, 31)))

		f.verify()
	})
}

func TestFIFO_EditedHeaderReplacesItsSlices(t *testing.T) {
	// GIVEN: A batch-less issue of 15 split over two batches
	// WHEN: The issue is edited down to 5
	// THEN: The old slices are gone and only the oldest batch is touched
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, r2, i1 := id(1), id(2), id(3)
		f.record(
			receive(r1, day(2023, 2, 1), storeA, goodsG, "10", "20"),
			receive(r2, day(2023, 2, 5), storeA, goodsG, "10", "30"),
			insert(i1, day(2023, 2, 10), storeA, goodsG, ledger.NoBatch(), issueOp("15", "0", ledger.ModeAuto)),
		)

		f.record(ledger.OpMutation{
			ID:     i1,
			Date:   day(2023, 2, 10),
			Store:  storeA,
			Goods:  goodsG,
			Batch:  ledger.NoBatch(),
			Before: issueOp("15", "0", ledger.ModeAuto),
			After:  issueOp("5", "0", ledger.ModeAuto),
		})

		at := day(2023, 2, 28)
		requireBalance(t, bal("5", "10"), f.balance(storeA, goodsG, lot(r1, day(2023, 2, 1)), at))
		requireBalance(t, bal("10", "30"), f.balance(storeA, goodsG, lot(r2, day(2023, 2, 5)), at))

		f.verify()
	})
}

// =============================================================================
// PROPAGATION
// =============================================================================

func TestPropagation_BackdatedReceiptRepricesAutoIssue(t *testing.T) {
	// GIVEN: 10 units at 100, then an Auto issue of 5 (cost 50)
	// WHEN: A backdated receipt of 10 at 300 lands in the same batch
	// THEN: The issue is re-priced at the new average (100)
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, r2, i1 := id(1), id(2), id(3)
		batch := lot(r1, day(2023, 1, 5))
		f.record(
			receive(r1, day(2023, 1, 5), storeA, goodsG, "10", "100"),
			insert(i1, day(2023, 1, 10), storeA, goodsG, batch, issueOp("5", "0", ledger.ModeAuto)),
		)
		requireBalance(t, bal("5", "50"), f.balance(storeA, goodsG, batch, day(2023, 1, 31)))

		f.record(insert(r2, day(2023, 1, 3), storeA, goodsG, batch, receiveOp("10", "300")))

		requireBalance(t, bal("15", "300"), f.balance(storeA, goodsG, batch, day(2023, 1, 31)))

		report, err := f.db.GetReportForGoods(f.ctx, storeA, goodsG, batch, day(2023, 1, 1), day(2023, 1, 31))
		require.NoError(t, err)
		require.Len(t, report.Items, 3)
		issue := report.Items[2]
		assert.Equal(t, i1, issue.Op.ID)
		assert.True(t, issue.Op.Operation.Cost.Equal(ledger.MustCost("100")), "got %s", issue.Op.Operation.Cost)

		f.verify()
	})
}

func TestPropagation_LongChainAcrossPages(t *testing.T) {
	// GIVEN: A receipt followed by ten daily Auto issues of 1 unit
	// WHEN: The receipt is doubled
	// THEN: Every later balance moves and the chain stays consistent
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1 := id(1)
		batch := lot(r1, day(2023, 5, 1))
		muts := []ledger.OpMutation{receive(r1, day(2023, 5, 1), storeA, goodsG, "20", "200")}
		for i := 0; i < 10; i++ {
			muts = append(muts, insert(id(100+i), day(2023, 5, 2+i), storeA, goodsG, batch, issueOp("1", "0", ledger.ModeAuto)))
		}
		f.record(muts...)
		requireBalance(t, bal("10", "100"), f.balance(storeA, goodsG, batch, day(2023, 5, 31)))

		f.record(ledger.OpMutation{
			ID: r1, Date: day(2023, 5, 1), Store: storeA, Goods: goodsG, Batch: batch,
			Before: receiveOp("20", "200"),
			After:  receiveOp("40", "800"),
		})

		requireBalance(t, bal("30", "600"), f.balance(storeA, goodsG, batch, day(2023, 5, 31)))
		requireBalance(t, bal("35", "700"), f.balance(storeA, goodsG, batch, day(2023, 5, 6)))

		f.verify()
	})
}

func TestPropagation_StopsAtCount(t *testing.T) {
	// GIVEN: A receipt, a count confirming it, then a manual issue
	// WHEN: The receipt grows by 2 units
	// THEN: The count absorbs the change and the issue keeps its balance
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, c1, i1 := id(1), id(2), id(3)
		batch := lot(r1, day(2023, 4, 1))
		f.record(
			receive(r1, day(2023, 4, 1), storeA, goodsG, "10", "100"),
			insert(c1, day(2023, 4, 2), storeA, goodsG, batch, countOp("10", "100", ledger.ModeManual)),
			insert(i1, day(2023, 4, 3), storeA, goodsG, batch, issueOp("2", "20", ledger.ModeManual)),
		)

		f.record(ledger.OpMutation{
			ID: r1, Date: day(2023, 4, 1), Store: storeA, Goods: goodsG, Batch: batch,
			Before: receiveOp("10", "100"),
			After:  receiveOp("12", "120"),
		})

		requireBalance(t, bal("12", "120"), f.balance(storeA, goodsG, batch, day(2023, 4, 1)))
		requireBalance(t, bal("10", "100"), f.balance(storeA, goodsG, batch, day(2023, 4, 2)))
		requireBalance(t, bal("8", "80"), f.balance(storeA, goodsG, batch, day(2023, 4, 30)))

		f.verify()
	})
}

func TestPropagation_DeleteRepricesFollowers(t *testing.T) {
	// GIVEN: 10 units at 100 and an Auto issue of 4
	// WHEN: The receipt is deleted
	// THEN: The issue runs against an empty chain and costs nothing
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, i1 := id(1), id(2)
		batch := lot(r1, day(2023, 6, 1))
		f.record(
			receive(r1, day(2023, 6, 1), storeA, goodsG, "10", "100"),
			insert(i1, day(2023, 6, 2), storeA, goodsG, batch, issueOp("4", "0", ledger.ModeAuto)),
		)

		f.record(ledger.OpMutation{
			ID: r1, Date: day(2023, 6, 1), Store: storeA, Goods: goodsG, Batch: batch,
			Before: receiveOp("10", "100"),
		})

		requireBalance(t, bal("-4", "0"), f.balance(storeA, goodsG, batch, day(2023, 6, 30)))
		f.verify()
	})
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestTransfer_RetargetMovesMirror(t *testing.T) {
	// GIVEN: 4 of 10 units transferred from A to B
	// WHEN: The transfer is edited to go to C instead
	// THEN: B is empty again and C holds the 4 units
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, t1 := id(1), id(2)
		batch := lot(r1, day(2023, 7, 1))
		f.record(
			receive(r1, day(2023, 7, 1), storeA, goodsG, "10", "100"),
			transfer(insert(t1, day(2023, 7, 2), storeA, goodsG, batch, issueOp("4", "40", ledger.ModeManual)), storeB),
		)
		requireBalance(t, bal("4", "40"), f.balance(storeB, goodsG, batch, day(2023, 7, 31)))

		edit := transfer(ledger.OpMutation{
			ID: t1, Date: day(2023, 7, 2), Store: storeA, Goods: goodsG, Batch: batch,
			Before: issueOp("4", "40", ledger.ModeManual),
			After:  issueOp("4", "40", ledger.ModeManual),
		}, storeC)
		f.record(edit)

		at := day(2023, 7, 31)
		requireBalance(t, bal("6", "60"), f.balance(storeA, goodsG, batch, at))
		requireBalance(t, bal("0", "0"), f.balance(storeB, goodsG, batch, at))
		requireBalance(t, bal("4", "40"), f.balance(storeC, goodsG, batch, at))

		f.verify()
	})
}

func TestTransfer_DeleteRemovesMirror(t *testing.T) {
	// GIVEN: An Auto transfer of 4 units from A to B
	// WHEN: The transfer is deleted
	// THEN: B loses the units and A gets them back
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, t1 := id(1), id(2)
		batch := lot(r1, day(2023, 7, 1))
		f.record(
			receive(r1, day(2023, 7, 1), storeA, goodsG, "10", "100"),
			transfer(insert(t1, day(2023, 7, 2), storeA, goodsG, batch, issueOp("4", "0", ledger.ModeAuto)), storeB),
		)

		f.record(transfer(ledger.OpMutation{
			ID: t1, Date: day(2023, 7, 2), Store: storeA, Goods: goodsG, Batch: batch,
			Before: issueOp("4", "0", ledger.ModeAuto),
		}, storeB))

		at := day(2023, 7, 31)
		requireBalance(t, bal("10", "100"), f.balance(storeA, goodsG, batch, at))
		requireBalance(t, bal("0", "0"), f.balance(storeB, goodsG, batch, at))
		audit := f.verify()
		assert.Equal(t, 1, audit.Records)
	})
}

func TestTransfer_BatchlessIssueMirrorsEverySlice(t *testing.T) {
	// GIVEN: Two batches at A
	// WHEN: 15 units are transferred to B without naming a batch
	// THEN: B receives one mirror per slice, in the same batches
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, r2, t1 := id(1), id(2), id(3)
		f.record(
			receive(r1, day(2023, 8, 1), storeA, goodsG, "10", "20"),
			receive(r2, day(2023, 8, 2), storeA, goodsG, "10", "30"),
			transfer(insert(t1, day(2023, 8, 3), storeA, goodsG, ledger.NoBatch(), issueOp("15", "0", ledger.ModeAuto)), storeB),
		)

		at := day(2023, 8, 31)
		requireBalance(t, bal("10", "20"), f.balance(storeB, goodsG, lot(r1, day(2023, 8, 1)), at))
		requireBalance(t, bal("5", "15"), f.balance(storeB, goodsG, lot(r2, day(2023, 8, 2)), at))

		f.verify()
	})
}

// =============================================================================
// CHECKPOINTS
// =============================================================================

func TestCheckpoints_BackdatedIssueRewritesLaterMonths(t *testing.T) {
	// GIVEN: Receipts on Jan 10 (100/1000) and Mar 5 (50/600)
	// WHEN: An Auto issue of 30 is backdated to Jan 20
	// THEN: February and March open with the reduced January batch
	eachBackend(t, func(t *testing.T, f *fixture) {
		jan, mar, i1 := id(1), id(2), id(3)
		janLot, marLot := lot(jan, day(2023, 1, 10)), lot(mar, day(2023, 3, 5))
		f.record(
			receive(jan, day(2023, 1, 10), storeA, goodsG, "100", "1000"),
			receive(mar, day(2023, 3, 5), storeA, goodsG, "50", "600"),
		)
		f.record(insert(i1, day(2023, 1, 20), storeA, goodsG, janLot, issueOp("30", "0", ledger.ModeAuto)))

		feb, err := f.db.GetReportForStorage(f.ctx, storeA, day(2023, 2, 1), day(2023, 2, 28))
		require.NoError(t, err)
		require.Len(t, feb.Items, 1)
		requireBalance(t, bal("70", "700"), feb.Items[0].Open)
		requireBalance(t, bal("70", "700"), feb.Items[0].Close)

		march, err := f.db.GetReportForStorage(f.ctx, storeA, day(2023, 3, 1), day(2023, 3, 31))
		require.NoError(t, err)
		g, ok := findGroup(march.Items, goodsG, janLot)
		require.True(t, ok)
		requireBalance(t, bal("70", "700"), g.Open)
		g, ok = findGroup(march.Items, goodsG, marLot)
		require.True(t, ok)
		requireBalance(t, bal("0", "0"), g.Open)
		requireBalance(t, bal("50", "600"), g.Receive)
		requireBalance(t, bal("120", "1300"), march.Totals.Close)

		snapshot, err := f.db.GetBalanceForAll(f.ctx, day(2023, 6, 15))
		require.NoError(t, err)
		got, ok := snapshot.Lookup(storeA, goodsG, janLot)
		require.True(t, ok)
		requireBalance(t, bal("70", "700"), got)

		audit := f.verify()
		assert.Positive(t, audit.Checkpoints)
	})
}

func TestCheckpoints_ReportInsideLaterMonth(t *testing.T) {
	// GIVEN: Stock received in January and issued on Apr 10
	// WHEN: Reporting Apr 5..Apr 20
	// THEN: Open comes from the checkpoint plus April's earlier days
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1, r2, i1 := id(1), id(2), id(3)
		batch := lot(r1, day(2023, 1, 10))
		f.record(
			receive(r1, day(2023, 1, 10), storeA, goodsG, "10", "100"),
			insert(r2, day(2023, 4, 2), storeA, goodsG, batch, receiveOp("10", "100")),
			insert(i1, day(2023, 4, 10), storeA, goodsG, batch, issueOp("5", "0", ledger.ModeAuto)),
		)

		report, err := f.db.GetReportForStorage(f.ctx, storeA, day(2023, 4, 5), day(2023, 4, 20))
		require.NoError(t, err)
		require.Len(t, report.Items, 1)
		g := report.Items[0]
		requireBalance(t, bal("20", "200"), g.Open)
		requireBalance(t, bal("0", "0"), g.Receive)
		requireBalance(t, bal("5", "50"), g.Issue)
		requireBalance(t, bal("15", "150"), g.Close)
	})
}

// =============================================================================
// REPORTS
// =============================================================================

func TestStorageReport_CountsClassifiedBySign(t *testing.T) {
	// GIVEN: 10 units received, a count finding 12, a later count finding 9
	// WHEN: Reporting the whole month
	// THEN: The surplus counts as receipt and the loss as issue
	eachBackend(t, func(t *testing.T, f *fixture) {
		r1 := id(1)
		batch := lot(r1, day(2023, 9, 1))
		f.record(
			receive(r1, day(2023, 9, 1), storeA, goodsG, "10", "100"),
			insert(id(2), day(2023, 9, 5), storeA, goodsG, batch, countOp("12", "120", ledger.ModeManual)),
			insert(id(3), day(2023, 9, 9), storeA, goodsG, batch, countOp("9", "90", ledger.ModeManual)),
		)

		report, err := f.db.GetReportForStorage(f.ctx, storeA, day(2023, 9, 1), day(2023, 9, 30))
		require.NoError(t, err)
		require.Len(t, report.Items, 1)
		g := report.Items[0]
		requireBalance(t, bal("12", "120"), g.Receive)
		requireBalance(t, bal("3", "30"), g.Issue)
		requireBalance(t, bal("9", "90"), g.Close)
	})
}

func TestStorageReport_OnlyRequestedStore(t *testing.T) {
	// GIVEN: Receipts at A and B for two goods
	// WHEN: Reporting A
	// THEN: Only A's groups appear, sorted by goods
	eachBackend(t, func(t *testing.T, f *fixture) {
		f.record(
			receive(id(1), day(2023, 9, 1), storeA, goodsH, "1", "1"),
			receive(id(2), day(2023, 9, 1), storeA, goodsG, "2", "2"),
			receive(id(3), day(2023, 9, 1), storeB, goodsG, "3", "3"),
		)

		report, err := f.db.GetReportForStorage(f.ctx, storeA, day(2023, 9, 1), day(2023, 9, 30))
		require.NoError(t, err)
		require.Len(t, report.Items, 2)
		assert.Equal(t, goodsG, report.Items[0].Goods)
		assert.Equal(t, goodsH, report.Items[1].Goods)
		assert.Equal(t, storeA, report.Totals.Store)
		requireBalance(t, bal("3", "3"), report.Totals.Close)
	})
}

func TestReports_RejectInvertedRange(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		_, err := f.db.GetReportForStorage(f.ctx, storeA, day(2023, 2, 1), day(2023, 1, 1))
		require.ErrorIs(t, err, ledger.ErrInvalidRange)

		_, err = f.db.GetReportForGoods(f.ctx, storeA, goodsG, ledger.NoBatch(), day(2023, 2, 1), day(2023, 1, 1))
		require.ErrorIs(t, err, ledger.ErrInvalidRange)
	})
}

func TestReports_EmptyLedger(t *testing.T) {
	eachBackend(t, func(t *testing.T, f *fixture) {
		report, err := f.db.GetReportForStorage(f.ctx, storeA, day(2023, 1, 1), day(2023, 12, 31))
		require.NoError(t, err)
		assert.Empty(t, report.Items)

		snapshot, err := f.db.GetBalanceForAll(f.ctx, time.Now())
		require.NoError(t, err)
		assert.Empty(t, snapshot)
	})
}
