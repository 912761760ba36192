/*
handlers.go - HTTP API handlers for the inventory ledger

PURPOSE:
  Exposes the ledger engine via REST API for the document layer. Handles
  HTTP request/response, JSON serialization, and delegates to ledger.Db.
  Names (stores, goods) are resolved to UUIDs before they reach this API.

ENDPOINTS:
  Operations:
    POST   /api/ops                                  Apply a batch of mutations

  Reports:
    GET    /api/stores/{store}/report                Storage report
    GET    /api/stores/{store}/goods/{goods}/report  Goods timeline
    GET    /api/stores/{store}/goods/{goods}/balance Point balance of one chain
    GET    /api/balances                             Snapshot of every chain

  Audit:
    GET    /api/audit                                Full consistency check
    GET    /api/audit/last                           Latest scheduled audit

  Scenarios:
    GET    /api/scenarios                            List demo scenarios
    GET    /api/scenarios/current                    Loaded scenario
    POST   /api/scenarios/load                       Load a demo scenario
    POST   /api/scenarios/reset                      Clear every keyspace

QUERY DATES:
  from, till, at and batch_date accept "2006-01-02" (midnight UTC) or
  RFC3339. Report ranges include both bounds.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed input, invalid mutation, invalid range
  - 409: Optimistic concurrency conflict (Before does not match)
  - 501: Query shape no topology can serve
  - 500: Storage, decode and invariant failures

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears every keyspace of a KV backend.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Db    *ledger.Db
	Store Resetter

	// Auditor, when set, serves the latest scheduled audit.
	Auditor *AuditScheduler

	log *logrus.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over db. store is the backend behind db;
// it is only used to clear data before loading a scenario.
func NewHandler(db *ledger.Db, store Resetter, log *logrus.Logger) *Handler {
	return &Handler{
		Db:    db,
		Store: store,
		log:   log,
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// RecordOps applies a batch of mutations atomically.
func (h *Handler) RecordOps(w http.ResponseWriter, r *http.Request) {
	var req []MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "At least one mutation is required", nil)
		return
	}

	muts := make([]ledger.OpMutation, 0, len(req))
	for i, m := range req {
		mut, err := m.toMutation()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid mutation %d", i), err)
			return
		}
		muts = append(muts, mut)
	}

	if err := h.Db.RecordOps(r.Context(), muts); err != nil {
		writeLedgerError(w, "Failed to record operations", err)
		return
	}

	writeJSON(w, http.StatusOK, RecordOpsResponse{Recorded: len(muts)})
}

// =============================================================================
// REPORTS
// =============================================================================

// GetStorageReport returns per-(goods, batch) movement totals of one store.
func (h *Handler) GetStorageReport(w http.ResponseWriter, r *http.Request) {
	store, err := uuid.Parse(chi.URLParam(r, "store"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid store id", err)
		return
	}
	from, till, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return
	}

	report, err := h.Db.GetReportForStorage(r.Context(), store, from, till)
	if err != nil {
		writeLedgerError(w, "Failed to build storage report", err)
		return
	}
	if report.Items == nil {
		report.Items = []ledger.Aggregation{}
	}

	writeJSON(w, http.StatusOK, report)
}

// GetGoodsReport returns the operation timeline of one goods item. Without
// batch_id every batch of the goods is included.
func (h *Handler) GetGoodsReport(w http.ResponseWriter, r *http.Request) {
	store, goods, err := parseChainParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid path", err)
		return
	}
	batch, err := parseBatch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}
	from, till, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return
	}

	report, err := h.Db.GetReportForGoods(r.Context(), store, goods, batch, from, till)
	if err != nil {
		writeLedgerError(w, "Failed to build goods report", err)
		return
	}

	writeJSON(w, http.StatusOK, toGoodsReportDTO(report))
}

// GetChainBalance returns the balance of one (store, goods, batch) chain as
// of at. Without batch_id the unresolved chain is read.
func (h *Handler) GetChainBalance(w http.ResponseWriter, r *http.Request) {
	store, goods, err := parseChainParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid path", err)
		return
	}
	batch, err := parseBatch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}
	at, err := parseTime(r.URL.Query().Get("at"), time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid at", err)
		return
	}

	balance, err := h.Db.GetBalance(r.Context(), store, goods, batch, at)
	if err != nil {
		writeLedgerError(w, "Failed to read balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceEntryDTO{
		Store: store,
		Goods: goods,
		Batch: toBatchDTO(batch),
		Qty:   balance.Qty,
		Cost:  balance.Cost,
	})
}

// GetBalances returns every non-zero chain balance.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	at, err := parseTime(r.URL.Query().Get("at"), time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid at", err)
		return
	}

	snapshot, err := h.Db.GetBalanceForAll(r.Context(), at)
	if err != nil {
		writeLedgerError(w, "Failed to read balances", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalancesResponse(at, snapshot))
}

// =============================================================================
// AUDIT
// =============================================================================

// RunAudit verifies the whole ledger now.
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := h.Db.Verify(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to audit ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

// GetLastAudit returns the result of the latest scheduled audit.
func (h *Handler) GetLastAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, http.StatusNotFound, "Audit scheduler is not running", nil)
		return
	}
	audit, ok := h.Auditor.LastAudit()
	if !ok {
		writeError(w, http.StatusNotFound, "No audit has completed yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps ledger errors onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, ledger.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrInvalidMutation):
		status, code = http.StatusBadRequest, "invalid_mutation"
	case errors.Is(err, ledger.ErrInvalidRange):
		status, code = http.StatusBadRequest, "invalid_range"
	case errors.Is(err, ledger.ErrNotSupported):
		status, code = http.StatusNotImplemented, "not_supported"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "canceled"
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func parseChainParams(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	store, err := uuid.Parse(chi.URLParam(r, "store"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("store: %w", err)
	}
	goods, err := uuid.Parse(chi.URLParam(r, "goods"))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("goods: %w", err)
	}
	return store, goods, nil
}

// parseBatch reads batch_id and batch_date. No batch_id means NoBatch.
func parseBatch(r *http.Request) (ledger.Batch, error) {
	q := r.URL.Query()
	rawID := q.Get("batch_id")
	if rawID == "" {
		return ledger.NoBatch(), nil
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return ledger.Batch{}, fmt.Errorf("batch_id: %w", err)
	}
	if q.Get("batch_date") == "" {
		return ledger.Batch{}, errors.New("batch_date is required with batch_id")
	}
	date, err := parseTime(q.Get("batch_date"), time.Time{})
	if err != nil {
		return ledger.Batch{}, fmt.Errorf("batch_date: %w", err)
	}
	return ledger.Batch{ID: id, Date: date}, nil
}

// parseRange reads from (required) and till (default: now).
func parseRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	if q.Get("from") == "" {
		return time.Time{}, time.Time{}, errors.New("from is required")
	}
	from, err := parseTime(q.Get("from"), time.Time{})
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
	}
	till, err := parseTime(q.Get("till"), time.Now().UTC())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("till: %w", err)
	}
	return from, till, nil
}

func parseTime(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
