/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's internal model from the external contract:
  - operation kinds travel as names ("receive"), not key discriminants
  - engine-only fields (dependent flags, resolved inventory deltas) are
    never accepted from clients
  - balance snapshots are flattened into a list, since a Batch cannot be a
    JSON object key

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Mutations:
    MutationRequest, OperationDTO, BatchDTO

  Reports:
    GoodsReportDTO, GoodsReportItemDTO (storage reports use ledger.Report)

  Balances:
    BalanceEntryDTO, BalancesResponse

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  DTOs only check that names parse. Everything else (negative quantities,
  transfers into the same store, missing keys) is the ledger's job and comes
  back as ledger.ErrInvalidMutation.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Internal model
*/
package api

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/warp/inventory-ledger/ledger"
)

// =============================================================================
// MUTATIONS
// =============================================================================

// BatchDTO identifies a lot of goods.
type BatchDTO struct {
	ID   uuid.UUID `json:"id"`
	Date time.Time `json:"date"`
}

func (b BatchDTO) toBatch() ledger.Batch {
	return ledger.Batch{ID: b.ID, Date: b.Date}
}

func toBatchDTO(b ledger.Batch) BatchDTO {
	return BatchDTO{ID: b.ID, Date: b.Date}
}

// OperationDTO is one side of a mutation.
//
// For "inventory", Qty and Cost are the counted balance, not a movement.
type OperationDTO struct {
	Kind string      `json:"kind"`
	Qty  ledger.Qty  `json:"qty"`
	Cost ledger.Cost `json:"cost"`
	Mode string      `json:"mode,omitempty"`
}

func (o OperationDTO) toOperation() (ledger.InternalOperation, error) {
	mode := ledger.ModeManual
	switch strings.ToLower(o.Mode) {
	case "", string(ledger.ModeManual):
	case string(ledger.ModeAuto):
		mode = ledger.ModeAuto
	default:
		return ledger.InternalOperation{}, fmt.Errorf("unknown mode %q", o.Mode)
	}

	switch strings.ToLower(o.Kind) {
	case "receive":
		return ledger.Receive(o.Qty, o.Cost), nil
	case "issue":
		return ledger.Issue(o.Qty, o.Cost, mode), nil
	case "inventory":
		return ledger.Inventory(ledger.BalanceForGoods{Qty: o.Qty, Cost: o.Cost}, mode), nil
	default:
		return ledger.InternalOperation{}, fmt.Errorf("unknown operation kind %q", o.Kind)
	}
}

// MutationRequest is one entry of POST /api/ops.
//
// Omit Before to insert, omit After to delete, send both to edit. Before
// must describe what is currently stored or the whole request is rejected.
type MutationRequest struct {
	ID       uuid.UUID     `json:"id"`
	Date     time.Time     `json:"date"`
	Store    uuid.UUID     `json:"store"`
	Goods    uuid.UUID     `json:"goods"`
	Batch    *BatchDTO     `json:"batch,omitempty"`
	Transfer *uuid.UUID    `json:"transfer,omitempty"`
	Before   *OperationDTO `json:"before,omitempty"`
	After    *OperationDTO `json:"after,omitempty"`
	Batches  []BatchDTO    `json:"batches,omitempty"`
}

func (m MutationRequest) toMutation() (ledger.OpMutation, error) {
	mut := ledger.OpMutation{
		ID:       m.ID,
		Date:     m.Date,
		Store:    m.Store,
		Goods:    m.Goods,
		Batch:    ledger.NoBatch(),
		Transfer: m.Transfer,
	}
	if m.Batch != nil {
		mut.Batch = m.Batch.toBatch()
	}
	for _, b := range m.Batches {
		mut.Batches = append(mut.Batches, b.toBatch())
	}
	if m.Before != nil {
		op, err := m.Before.toOperation()
		if err != nil {
			return ledger.OpMutation{}, fmt.Errorf("before: %w", err)
		}
		mut.Before = &op
	}
	if m.After != nil {
		op, err := m.After.toOperation()
		if err != nil {
			return ledger.OpMutation{}, fmt.Errorf("after: %w", err)
		}
		mut.After = &op
	}
	return mut, nil
}

// RecordOpsResponse acknowledges an applied batch.
type RecordOpsResponse struct {
	Recorded int `json:"recorded"`
}

// =============================================================================
// REPORTS
// =============================================================================

// GoodsReportItemDTO is one operation on a goods timeline.
type GoodsReportItemDTO struct {
	ID        uuid.UUID              `json:"id"`
	Date      time.Time              `json:"date"`
	Kind      string                 `json:"kind"`
	Mode      string                 `json:"mode"`
	Batch     BatchDTO               `json:"batch"`
	Dependent bool                   `json:"dependent"`
	Transfer  *uuid.UUID             `json:"transfer,omitempty"`
	Delta     ledger.BalanceDelta    `json:"delta"`
	Balance   ledger.BalanceForGoods `json:"balance"`
}

// GoodsReportDTO is the response of the goods report endpoint.
type GoodsReportDTO struct {
	Store uuid.UUID              `json:"store"`
	Goods uuid.UUID              `json:"goods"`
	Batch *BatchDTO              `json:"batch,omitempty"`
	From  time.Time              `json:"from"`
	Till  time.Time              `json:"till"`
	Open  ledger.BalanceForGoods `json:"open"`
	Items []GoodsReportItemDTO   `json:"items"`
	Close ledger.BalanceForGoods `json:"close"`
}

func toGoodsReportDTO(r ledger.GoodsReport) GoodsReportDTO {
	dto := GoodsReportDTO{
		Store: r.Store,
		Goods: r.Goods,
		From:  r.From,
		Till:  r.Till,
		Open:  r.Open,
		Close: r.Close,
		Items: make([]GoodsReportItemDTO, 0, len(r.Items)),
	}
	if !r.Batch.IsNone() {
		b := toBatchDTO(r.Batch)
		dto.Batch = &b
	}
	for _, it := range r.Items {
		mode := string(it.Op.Operation.Mode)
		if it.Op.Operation.Kind == ledger.KindReceive || mode == "" {
			mode = string(ledger.ModeManual)
		}
		dto.Items = append(dto.Items, GoodsReportItemDTO{
			ID:        it.Op.ID,
			Date:      it.Op.Date,
			Kind:      it.Op.Operation.Kind.String(),
			Mode:      mode,
			Batch:     toBatchDTO(it.Op.Batch),
			Dependent: it.Op.IsDependent,
			Transfer:  it.Op.StoreInto,
			Delta:     it.Delta,
			Balance:   it.Balance,
		})
	}
	return dto
}

// =============================================================================
// BALANCES
// =============================================================================

// BalanceEntryDTO is one non-zero chain balance.
type BalanceEntryDTO struct {
	Store uuid.UUID   `json:"store"`
	Goods uuid.UUID   `json:"goods"`
	Batch BatchDTO    `json:"batch"`
	Qty   ledger.Qty  `json:"qty"`
	Cost  ledger.Cost `json:"cost"`
}

// BalancesResponse is the snapshot returned by GET /api/balances.
type BalancesResponse struct {
	At       time.Time         `json:"at"`
	Balances []BalanceEntryDTO `json:"balances"`
}

func toBalancesResponse(at time.Time, snapshot ledger.Balances) BalancesResponse {
	resp := BalancesResponse{At: at, Balances: []BalanceEntryDTO{}}
	for store, byGoods := range snapshot {
		for goods, byBatch := range byGoods {
			for batch, b := range byBatch {
				resp.Balances = append(resp.Balances, BalanceEntryDTO{
					Store: store,
					Goods: goods,
					Batch: toBatchDTO(batch),
					Qty:   b.Qty,
					Cost:  b.Cost,
				})
			}
		}
	}
	sort.Slice(resp.Balances, func(i, j int) bool {
		a, b := resp.Balances[i], resp.Balances[j]
		if c := bytes.Compare(a.Store[:], b.Store[:]); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(a.Goods[:], b.Goods[:]); c != 0 {
			return c < 0
		}
		return a.Batch.toBatch().Before(b.Batch.toBatch())
	})
	return resp
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
