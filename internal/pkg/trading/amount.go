// Package trading provides trading calculation utilities.
package trading

import (
	"math"

	"github.com/shopspring/decimal"
)

// NormalizeQuantity rounds quantity down to the venue lot step.
// A non-positive step disables rounding. The result never exceeds
// the input quantity; a quantity below one step rounds to zero.
func NormalizeQuantity(quantity, step float64) float64 {
	if !finite(quantity) || quantity <= 0 {
		return 0
	}
	if !finite(step) || step <= 0 {
		return quantity
	}
	q := decimal.NewFromFloat(quantity)
	s := decimal.NewFromFloat(step)
	steps := q.Div(s).Floor()
	out, _ := steps.Mul(s).Float64()
	return out
}

// Notional returns price × quantity computed in decimal space.
func Notional(quantity, price float64) float64 {
	if !finite(quantity) || !finite(price) {
		return 0
	}
	out, _ := decimal.NewFromFloat(quantity).Mul(decimal.NewFromFloat(price)).Float64()
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
