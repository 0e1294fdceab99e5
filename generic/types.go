/*
Package generic provides the domain-agnostic building blocks of the punch ledger.

PURPOSE:
  Quantities, clocks, keyed locks and base store errors shared by the
  production engine and every store implementation. Nothing in here knows
  about orders or operations.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: A non-integral count of produced or rejected units
  - Epsilon / StrictEpsilon: Tolerances used for quantity comparisons

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal so repeated punches never drift
  2. Tolerance: Comparisons against capacity go through explicit epsilons
     instead of raw equality

USAGE:
  produced := generic.NewQuantity(5)
  pending := generic.NewQuantity(7)
  if produced.ExceedsBy(pending, generic.StrictEpsilon) {
      // reject
  }

SEE ALSO:
  - time.go: Clock abstraction
  - lock.go: Per-key mutex with bounded wait
  - errors.go: Store-level sentinel errors
*/
package generic

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// TOLERANCES
// =============================================================================

var (
	// Epsilon bounds the completion match: a closing punch must land within
	// Epsilon of the pending capacity.
	Epsilon = decimal.New(1, -6)

	// StrictEpsilon bounds pending, exceedance and reported checks.
	StrictEpsilon = decimal.New(1, -9)
)

// =============================================================================
// QUANTITY - Produced/rejected units
// =============================================================================

type Quantity struct {
	Value decimal.Decimal
}

var ZeroQuantity = Quantity{Value: decimal.Zero}

func NewQuantity(value float64) Quantity {
	return Quantity{Value: decimal.NewFromFloat(value)}
}

func NewQuantityFromInt(value int64) Quantity {
	return Quantity{Value: decimal.NewFromInt(value)}
}

// ParseQuantity parses a decimal string. Empty input is zero.
func ParseQuantity(s string) (Quantity, error) {
	if s == "" {
		return ZeroQuantity, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ZeroQuantity, err
	}
	return Quantity{Value: d}, nil
}

func MustParseQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		return ZeroQuantity
	}
	return q
}

func (q Quantity) Add(b Quantity) Quantity     { return Quantity{Value: q.Value.Add(b.Value)} }
func (q Quantity) Sub(b Quantity) Quantity     { return Quantity{Value: q.Value.Sub(b.Value)} }
func (q Quantity) Neg() Quantity               { return Quantity{Value: q.Value.Neg()} }
func (q Quantity) IsNegative() bool            { return q.Value.IsNegative() }
func (q Quantity) IsZero() bool                { return q.Value.IsZero() }
func (q Quantity) IsPositive() bool            { return q.Value.IsPositive() }
func (q Quantity) GreaterThan(b Quantity) bool { return q.Value.GreaterThan(b.Value) }
func (q Quantity) LessThan(b Quantity) bool    { return q.Value.LessThan(b.Value) }
func (q Quantity) Equal(b Quantity) bool       { return q.Value.Equal(b.Value) }
func (q Quantity) String() string              { return q.Value.String() }

func (q Quantity) Float64() float64 {
	f, _ := q.Value.Float64()
	return f
}

func (q Quantity) Min(b Quantity) Quantity {
	if q.LessThan(b) {
		return q
	}
	return b
}

func (q Quantity) Max(b Quantity) Quantity {
	if q.GreaterThan(b) {
		return q
	}
	return b
}

// ClampZero returns q, or zero when q is negative.
func (q Quantity) ClampZero() Quantity {
	if q.IsNegative() {
		return ZeroQuantity
	}
	return q
}

// Clamp bounds q to [lo, hi].
func (q Quantity) Clamp(lo, hi Quantity) Quantity {
	return q.Max(lo).Min(hi)
}

// ExceedsBy reports whether q > limit + tolerance.
func (q Quantity) ExceedsBy(limit Quantity, tolerance decimal.Decimal) bool {
	return q.Value.Sub(tolerance).GreaterThan(limit.Value)
}

// WithinOf reports whether |q - other| <= tolerance.
func (q Quantity) WithinOf(other Quantity, tolerance decimal.Decimal) bool {
	return q.Value.Sub(other.Value).Abs().LessThanOrEqual(tolerance)
}

// AtMost reports whether q <= tolerance. Used for "nothing left" checks.
func (q Quantity) AtMost(tolerance decimal.Decimal) bool {
	return q.Value.LessThanOrEqual(tolerance)
}

// =============================================================================
// JSON - quantities travel as JSON numbers
// =============================================================================

func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(q.Value.String()), nil
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	return q.Value.UnmarshalJSON(data)
}

// YAML and TOML decoders use the text form.
func (q *Quantity) UnmarshalText(data []byte) error {
	parsed, err := ParseQuantity(string(data))
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

func (q Quantity) MarshalText() ([]byte, error) {
	return []byte(q.Value.String()), nil
}
