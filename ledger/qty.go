package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// QTY / COST - Opaque decimal values
// =============================================================================

// CostScale is the number of decimal places costs are rounded to whenever
// the engine derives a cost (weighted average, proportional split).
const CostScale = 2

// Qty is a quantity of goods. The composite-unit hierarchy lives in the
// document layer; the ledger only needs the arithmetic below.
type Qty struct {
	Value decimal.Decimal
}

// Cost is a monetary amount.
type Cost struct {
	Value decimal.Decimal
}

func NewQty(value float64) Qty     { return Qty{Value: decimal.NewFromFloat(value)} }
func NewQtyFromInt(value int64) Qty { return Qty{Value: decimal.NewFromInt(value)} }
func NewCost(value float64) Cost   { return Cost{Value: decimal.NewFromFloat(value)} }

// MustQty parses a decimal string, panicking on malformed input.
// Intended for tests and fixtures.
func MustQty(s string) Qty { return Qty{Value: decimal.RequireFromString(s)} }

// MustCost parses a decimal string, panicking on malformed input.
func MustCost(s string) Cost { return Cost{Value: decimal.RequireFromString(s)} }

func (q Qty) Add(o Qty) Qty          { return Qty{Value: q.Value.Add(o.Value)} }
func (q Qty) Sub(o Qty) Qty          { return Qty{Value: q.Value.Sub(o.Value)} }
func (q Qty) Neg() Qty               { return Qty{Value: q.Value.Neg()} }
func (q Qty) Abs() Qty               { return Qty{Value: q.Value.Abs()} }
func (q Qty) IsZero() bool           { return q.Value.IsZero() }
func (q Qty) IsNegative() bool       { return q.Value.IsNegative() }
func (q Qty) IsPositive() bool       { return q.Value.IsPositive() }
func (q Qty) Equal(o Qty) bool       { return q.Value.Equal(o.Value) }
func (q Qty) LessThan(o Qty) bool    { return q.Value.LessThan(o.Value) }
func (q Qty) GreaterThan(o Qty) bool { return q.Value.GreaterThan(o.Value) }
func (q Qty) Min(o Qty) Qty {
	if q.LessThan(o) {
		return q
	}
	return o
}
func (q Qty) String() string { return q.Value.String() }

func (c Cost) Add(o Cost) Cost    { return Cost{Value: c.Value.Add(o.Value)} }
func (c Cost) Sub(o Cost) Cost    { return Cost{Value: c.Value.Sub(o.Value)} }
func (c Cost) Neg() Cost          { return Cost{Value: c.Value.Neg()} }
func (c Cost) IsZero() bool       { return c.Value.IsZero() }
func (c Cost) Equal(o Cost) bool  { return c.Value.Equal(o.Value) }
func (c Cost) String() string     { return c.Value.String() }
func (c Cost) round() Cost        { return Cost{Value: c.Value.Round(CostScale)} }

// CostOf returns the cost of q units taken from balance b at b's weighted
// average unit price. Taking the whole balance returns b's cost exactly so
// that a drained chain lands on zero.
func (q Qty) CostOf(b BalanceForGoods) Cost {
	if b.Qty.IsZero() || q.IsZero() {
		return Cost{}
	}
	if q.Equal(b.Qty) {
		return b.Cost
	}
	return Cost{Value: b.Cost.Value.Mul(q.Value).Div(b.Qty.Value)}.round()
}

// share returns part/whole of c, rounded. Used to split a manual cost
// across FIFO slices.
func (c Cost) share(part, whole Qty) Cost {
	if whole.IsZero() {
		return Cost{}
	}
	return Cost{Value: c.Value.Mul(part.Value).Div(whole.Value)}.round()
}

// =============================================================================
// JSON - decimals travel as strings
// =============================================================================

func (q Qty) MarshalJSON() ([]byte, error)   { return q.Value.MarshalJSON() }
func (q *Qty) UnmarshalJSON(b []byte) error  { return q.Value.UnmarshalJSON(b) }
func (c Cost) MarshalJSON() ([]byte, error)  { return c.Value.MarshalJSON() }
func (c *Cost) UnmarshalJSON(b []byte) error { return c.Value.UnmarshalJSON(b) }
