// Package eligibility decides whether orders may be executed and positions liquidated.
// Everything here is pure: prices in, verdict out.
package eligibility

import (
	"fmt"

	"dex-keeper-go/internal/models"

	"github.com/shopspring/decimal"
)

// Leg names accepted in LegSelection.
const (
	LegAuto     = "auto"
	LegTokenIn  = "token_in"
	LegTokenOut = "token_out"
)

var hundred = decimal.NewFromInt(100)

// Evaluator holds the leg selection policy.
type Evaluator struct {
	legs models.LegSelection
}

// New builds an evaluator; empty selections mean "auto".
func New(legs models.LegSelection) *Evaluator {
	if legs.Limit == "" {
		legs.Limit = LegAuto
	}
	if legs.StopLoss == "" {
		legs.StopLoss = LegAuto
	}
	return &Evaluator{legs: legs}
}

// TrackedLeg reports which side of the order is compared with its target.
func (e *Evaluator) TrackedLeg(o models.Order) string {
	sel := e.legs.Limit
	if o.Kind == models.StopLoss {
		sel = e.legs.StopLoss
	}
	switch sel {
	case LegTokenIn, LegTokenOut:
		return sel
	}
	if o.Kind == models.Limit && models.IsNative(o.TokenIn) {
		return LegTokenOut
	}
	return LegTokenIn
}

// Evaluate decides whether o may be executed at the given leg prices. The reason
// quantifies the gap to the target either way.
func (e *Evaluator) Evaluate(o models.Order, priceIn, priceOut decimal.Decimal) (bool, string) {
	if o.Executed {
		return false, "already executed"
	}
	tracked := priceIn
	if e.TrackedLeg(o) == LegTokenOut {
		tracked = priceOut
	}
	if !tracked.IsPositive() {
		return false, "no price for tracked leg"
	}
	if !o.TargetPrice.IsPositive() {
		return false, "invalid target price"
	}

	gap := tracked.Sub(o.TargetPrice).Abs().Mul(hundred).Div(o.TargetPrice).StringFixed(2)
	var eligible bool
	switch o.Direction {
	case models.Long:
		eligible = tracked.LessThanOrEqual(o.TargetPrice)
	case models.Short:
		eligible = tracked.GreaterThanOrEqual(o.TargetPrice)
	}

	side := "above"
	if tracked.LessThan(o.TargetPrice) {
		side = "below"
	}
	if tracked.Equal(o.TargetPrice) {
		return eligible, fmt.Sprintf("%s %s at target %s", o.Kind, o.Direction, o.TargetPrice)
	}
	return eligible, fmt.Sprintf("%s %s %s%% %s target %s (price %s)", o.Kind, o.Direction, gap, side, o.TargetPrice, tracked)
}

// PnLRatio is the integer percent return of the position at current, truncated toward
// zero the way the router computes it.
func PnLRatio(p models.Position, current decimal.Decimal) int64 {
	if !p.EntryPrice.IsPositive() {
		return 0
	}
	diff := current.Sub(p.EntryPrice)
	if p.Kind == models.Short {
		diff = p.EntryPrice.Sub(current)
	}
	q, _ := diff.Mul(hundred).QuoRem(p.EntryPrice, 0)
	return q.IntPart()
}

// EvaluateLiquidation reports whether the position's loss reached thresholdPct
// (e.g. -80). Closed positions and positions without an entry are never eligible.
func EvaluateLiquidation(p models.Position, current decimal.Decimal, thresholdPct int64) (bool, int64) {
	if !p.IsOpen || !p.EntryPrice.IsPositive() || !current.IsPositive() {
		return false, 0
	}
	ratio := PnLRatio(p, current)
	return ratio <= thresholdPct, ratio
}
