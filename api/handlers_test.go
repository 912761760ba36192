/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Recording operations (status codes, error mapping)
- Storage and goods reports, point balances, snapshots
- Audit endpoints and the /metrics endpoint
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/inventory-ledger/ledger"
	"github.com/warp/inventory-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	kv := store.NewMemory()
	db := ledger.New(kv, ledger.WithLogger(log))
	h := NewHandler(db, kv, log)
	return &testServer{t: t, handler: h, router: NewRouter(h, log)}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			b, err := json.Marshal(body)
			require.NoError(s.t, err)
			raw = string(b)
		}
		reader = strings.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out), rec.Body.String())
	return out
}

var (
	testStore  = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	testOutlet = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	testGoods  = uuid.MustParse("00000000-0000-0000-0000-000000000c01")
)

func jan(d int) time.Time { return time.Date(2023, time.January, d, 0, 0, 0, 0, time.UTC) }

func receiveRequest(id uuid.UUID, date time.Time, qty, cost string) MutationRequest {
	return MutationRequest{
		ID:    id,
		Date:  date,
		Store: testStore,
		Goods: testGoods,
		Batch: &BatchDTO{ID: id, Date: date},
		After: &OperationDTO{Kind: "receive", Qty: ledger.MustQty(qty), Cost: ledger.MustCost(cost)},
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestRecordOps_ReturnsRecordedCount(t *testing.T) {
	// GIVEN: An empty ledger
	s := newTestServer(t)
	r1 := uuid.New()

	// WHEN: Two receipts are posted in one call
	rec := s.do(http.MethodPost, "/api/ops", []MutationRequest{
		receiveRequest(r1, jan(2), "3", "0.3"),
		receiveRequest(uuid.New(), jan(3), "2", "0.2"),
	})

	// THEN: Both are recorded
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[RecordOpsResponse](t, rec).Recorded)

	rec = s.do(http.MethodGet, "/api/stores/"+testStore.String()+"/goods/"+testGoods.String()+
		"/balance?batch_id="+r1.String()+"&batch_date=2023-01-02&at=2023-01-31", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entry := decode[BalanceEntryDTO](t, rec)
	assert.True(t, entry.Qty.Equal(ledger.MustQty("3")))
	assert.True(t, entry.Cost.Equal(ledger.MustCost("0.3")))
	assert.Equal(t, r1, entry.Batch.ID)
}

func TestRecordOps_RejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body any
		code string
	}{
		{name: "malformed json", body: `[{"id":`},
		{name: "empty batch", body: `[]`},
		{
			name: "unknown kind",
			body: []MutationRequest{{
				ID: uuid.New(), Date: jan(2), Store: testStore, Goods: testGoods,
				After: &OperationDTO{Kind: "gift", Qty: ledger.MustQty("1")},
			}},
		},
		{
			name: "unknown mode",
			body: []MutationRequest{{
				ID: uuid.New(), Date: jan(2), Store: testStore, Goods: testGoods,
				After: &OperationDTO{Kind: "issue", Qty: ledger.MustQty("1"), Mode: "lifo"},
			}},
		},
		{
			name: "negative quantity",
			body: []MutationRequest{receiveRequest(uuid.New(), jan(2), "-1", "0")},
			code: "invalid_mutation",
		},
		{
			name: "transfer into own store",
			body: []MutationRequest{{
				ID: uuid.New(), Date: jan(2), Store: testStore, Goods: testGoods, Transfer: &testStore,
				After: &OperationDTO{Kind: "issue", Qty: ledger.MustQty("1"), Mode: "auto"},
			}},
			code: "invalid_mutation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(http.MethodPost, "/api/ops", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestRecordOps_StaleEditIsConflict(t *testing.T) {
	// GIVEN: A stored receipt of 3 units
	s := newTestServer(t)
	r1 := uuid.New()
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/ops", []MutationRequest{receiveRequest(r1, jan(2), "3", "0.3")}).Code)

	// WHEN: An edit quotes the wrong previous quantity
	edit := receiveRequest(r1, jan(2), "4", "0.4")
	edit.Before = &OperationDTO{Kind: "receive", Qty: ledger.MustQty("5"), Cost: ledger.MustCost("0.3")}
	rec := s.do(http.MethodPost, "/api/ops", []MutationRequest{edit})

	// THEN: 409 with the conflict code
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "conflict", decode[ErrorResponse](t, rec).Code)

	// AND: A correct edit goes through
	edit.Before = &OperationDTO{Kind: "receive", Qty: ledger.MustQty("3"), Cost: ledger.MustCost("0.3")}
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/ops", []MutationRequest{edit}).Code)
}

// =============================================================================
// REPORTS
// =============================================================================

func TestStorageReport_GroupsPerBatch(t *testing.T) {
	// GIVEN: Two receipts and a transfer out of the first lot
	s := newTestServer(t)
	r1, r2, move := uuid.New(), uuid.New(), uuid.New()
	outlet := testOutlet
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/ops", []MutationRequest{
		receiveRequest(r1, jan(2), "10", "100"),
		receiveRequest(r2, jan(5), "4", "60"),
		{
			ID: move, Date: jan(7), Store: testStore, Goods: testGoods,
			Batch:    &BatchDTO{ID: r1, Date: jan(2)},
			Transfer: &outlet,
			After:    &OperationDTO{Kind: "issue", Qty: ledger.MustQty("6"), Mode: "auto"},
		},
	}).Code)

	// WHEN: The January report is requested
	rec := s.do(http.MethodGet, "/api/stores/"+testStore.String()+"/report?from=2023-01-01&till=2023-01-31", nil)

	// THEN: One group per batch, totals rolled up
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[ledger.Report](t, rec)
	require.Len(t, report.Items, 2)
	assert.True(t, report.Totals.Receive.Qty.Equal(ledger.MustQty("14")))
	assert.True(t, report.Totals.Issue.Qty.Equal(ledger.MustQty("6")))
	assert.True(t, report.Totals.Issue.Cost.Equal(ledger.MustCost("60")))
	assert.True(t, report.Totals.Close.Qty.Equal(ledger.MustQty("8")))

	// AND: The outlet received the moved units
	rec = s.do(http.MethodGet, "/api/stores/"+testOutlet.String()+"/report?from=2023-01-01&till=2023-01-31", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	outletReport := decode[ledger.Report](t, rec)
	require.Len(t, outletReport.Items, 1)
	assert.True(t, outletReport.Totals.Close.Cost.Equal(ledger.MustCost("60")))
}

func TestStorageReport_EmptyStoreHasEmptyItems(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/stores/"+testStore.String()+"/report?from=2023-01-01&till=2023-01-31", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items":[]`)
}

func TestStorageReport_RejectsBadRanges(t *testing.T) {
	s := newTestServer(t)
	base := "/api/stores/" + testStore.String() + "/report"

	rec := s.do(http.MethodGet, base+"?from=2023-02-01&till=2023-01-01", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_range", decode[ErrorResponse](t, rec).Code)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, base, nil).Code, "from is required")
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, base+"?from=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/stores/not-a-uuid/report?from=2023-01-01", nil).Code)
}

func TestGoodsReport_ShowsTimeline(t *testing.T) {
	// GIVEN: A receipt and an Auto issue from its lot
	s := newTestServer(t)
	r1, i1 := uuid.New(), uuid.New()
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/ops", []MutationRequest{
		receiveRequest(r1, jan(2), "10", "100"),
		{
			ID: i1, Date: jan(9), Store: testStore, Goods: testGoods,
			Batch: &BatchDTO{ID: r1, Date: jan(2)},
			After: &OperationDTO{Kind: "issue", Qty: ledger.MustQty("4"), Mode: "auto"},
		},
	}).Code)

	// WHEN: The batch timeline is requested from the 5th
	rec := s.do(http.MethodGet, "/api/stores/"+testStore.String()+"/goods/"+testGoods.String()+
		"/report?batch_id="+r1.String()+"&batch_date=2023-01-02&from=2023-01-05&till=2023-01-31", nil)

	// THEN: The receipt is in the opening balance and the issue is listed
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[GoodsReportDTO](t, rec)
	require.NotNil(t, report.Batch)
	assert.True(t, report.Open.Qty.Equal(ledger.MustQty("10")))
	require.Len(t, report.Items, 1)
	assert.Equal(t, "issue", report.Items[0].Kind)
	assert.Equal(t, "auto", report.Items[0].Mode)
	assert.True(t, report.Items[0].Delta.Cost.Equal(ledger.MustCost("-40")))
	assert.True(t, report.Close.Qty.Equal(ledger.MustQty("6")))
}

func TestGoodsReport_BatchIDNeedsDate(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/stores/"+testStore.String()+"/goods/"+testGoods.String()+
		"/report?batch_id="+uuid.NewString()+"&from=2023-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalances_ListsNonZeroChains(t *testing.T) {
	// GIVEN: One lot drained by a manual issue and one lot still stocked
	s := newTestServer(t)
	r1, r2 := uuid.New(), uuid.New()
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/ops", []MutationRequest{
		receiveRequest(r1, jan(2), "5", "50"),
		receiveRequest(r2, jan(3), "7", "21"),
		{
			ID: uuid.New(), Date: jan(4), Store: testStore, Goods: testGoods,
			Batch: &BatchDTO{ID: r1, Date: jan(2)},
			After: &OperationDTO{Kind: "issue", Qty: ledger.MustQty("5"), Cost: ledger.MustCost("50"), Mode: "manual"},
		},
	}).Code)

	// WHEN: The snapshot is read
	rec := s.do(http.MethodGet, "/api/balances?at=2023-02-01", nil)

	// THEN: Only the stocked lot is listed
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BalancesResponse](t, rec)
	require.Len(t, resp.Balances, 1)
	assert.Equal(t, r2, resp.Balances[0].Batch.ID)
	assert.True(t, resp.Balances[0].Qty.Equal(ledger.MustQty("7")))
	assert.True(t, resp.Balances[0].Cost.Equal(ledger.MustCost("21")))
}

// =============================================================================
// AUDIT / METRICS
// =============================================================================

func TestAudit_CleanLedger(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/ops", []MutationRequest{receiveRequest(uuid.New(), jan(2), "1", "1")}).Code)

	rec := s.do(http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	audit := decode[ledger.Audit](t, rec)
	assert.True(t, audit.OK())
	assert.Equal(t, 1, audit.Records)
}

func TestAudit_LastNeedsScheduler(t *testing.T) {
	// GIVEN: No scheduler attached
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/audit/last", nil).Code)

	// WHEN: A scheduler is attached but has not run
	auditor := NewAuditScheduler(s.handler.Db, s.handler.log)
	s.handler.Auditor = auditor
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/audit/last", nil).Code)

	// THEN: After a run its result is served
	_, err := auditor.RunNow(context.Background())
	require.NoError(t, err)
	rec := s.do(http.MethodGet, "/api/audit/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[ledger.Audit](t, rec).OK())
}

func TestMetrics_CountsRequestsByRoute(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/api/stores/"+testStore.String()+"/report?from=2023-01-01", nil)

	rec := s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ledger_http_requests_total")
	assert.Contains(t, body, `route="/api/stores/{store}/report"`)
}

func TestRecoverer_TurnsPanicInto500(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := recoverer(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
