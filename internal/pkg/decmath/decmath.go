// Package decmath holds the money arithmetic shared by the ledger, executor
// and risk packages. Values travel as float64 on the wire and in storage but
// every comparison and accumulation that decides a position or a trip goes
// through decimal.
package decmath

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decOne  = decimal.NewFromInt(1)
	decHund = decimal.NewFromInt(100)
	// Epsilon is the size tolerance used when comparing ledger and broker
	// quantities.
	Epsilon = decimal.NewFromFloat(1e-9)
)

func FromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func ToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func Compare(a, b float64) int {
	return FromFloat(a).Cmp(FromFloat(b))
}

func LTE(a, b float64) bool { return Compare(a, b) <= 0 }
func GTE(a, b float64) bool { return Compare(a, b) >= 0 }
func LT(a, b float64) bool  { return Compare(a, b) < 0 }
func GT(a, b float64) bool  { return Compare(a, b) > 0 }

// ApproxEqual reports |a-b| <= Epsilon.
func ApproxEqual(a, b float64) bool {
	return FromFloat(a).Sub(FromFloat(b)).Abs().Cmp(Epsilon) <= 0
}

// IsZero treats sub-epsilon dust as zero.
func IsZero(a float64) bool {
	return FromFloat(a).Abs().Cmp(Epsilon) <= 0
}

func Add(a, b float64) float64 { return ToFloat(FromFloat(a).Add(FromFloat(b))) }
func Sub(a, b float64) float64 { return ToFloat(FromFloat(a).Sub(FromFloat(b))) }
func Mul(a, b float64) float64 { return ToFloat(FromFloat(a).Mul(FromFloat(b))) }

// Div returns 0 when b is zero.
func Div(a, b float64) float64 {
	db := FromFloat(b)
	if db.IsZero() {
		return 0
	}
	return ToFloat(FromFloat(a).Div(db))
}

// WeightedAverage is (p1*s1 + p2*s2) / (s1+s2); the pyramiding entry rule.
func WeightedAverage(p1, s1, p2, s2 float64) float64 {
	total := FromFloat(s1).Add(FromFloat(s2))
	if total.IsZero() {
		return 0
	}
	num := FromFloat(p1).Mul(FromFloat(s1)).Add(FromFloat(p2).Mul(FromFloat(s2)))
	return ToFloat(num.Div(total))
}

// PnL returns absolute pnl and pnl as a percent of entry notional. sign is
// +1 for long, -1 for short.
func PnL(sign, entry, exit, size float64) (pnl, pct float64) {
	e := FromFloat(entry)
	diff := FromFloat(exit).Sub(e)
	if sign < 0 {
		diff = diff.Neg()
	}
	p := diff.Mul(FromFloat(size))
	if e.IsZero() {
		return ToFloat(p), 0
	}
	return ToFloat(p), ToFloat(diff.Div(e).Mul(decHund))
}

// Drawdown is 1 - equity/peak, returned as a decimal so threshold compares
// are exact.
func Drawdown(equity, peak float64) decimal.Decimal {
	pk := FromFloat(peak)
	if pk.Sign() <= 0 {
		return decimal.Zero
	}
	return decOne.Sub(FromFloat(equity).Div(pk))
}

// Slippage is |fill-ref|/ref as a fraction.
func Slippage(ref, fill float64) float64 {
	r := FromFloat(ref)
	if r.Sign() <= 0 {
		return 0
	}
	return ToFloat(FromFloat(fill).Sub(r).Abs().Div(r))
}

// VWAP accumulates fills into a volume-weighted average price.
type VWAP struct {
	cost decimal.Decimal
	qty  decimal.Decimal
}

func (v *VWAP) Add(price, size float64) {
	v.cost = v.cost.Add(FromFloat(price).Mul(FromFloat(size)))
	v.qty = v.qty.Add(FromFloat(size))
}

func (v *VWAP) Price() float64 {
	if v.qty.IsZero() {
		return 0
	}
	return ToFloat(v.cost.Div(v.qty))
}

func (v *VWAP) Size() float64 { return ToFloat(v.qty) }
func (v *VWAP) Cost() float64 { return ToFloat(v.cost) }
