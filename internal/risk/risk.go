// Package risk holds the pure threshold arithmetic for managed positions.
// All math runs on shopspring/decimal and is rounded to Precision places so
// that thresholds such as 150 * 0.98 come out as exactly 147.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

// Precision is the number of decimal places kept on computed prices.
const Precision = 8

var hundred = decimal.NewFromInt(100)

// Trigger is the outcome of comparing a price to a position's thresholds.
type Trigger string

const (
	TriggerNone       Trigger = ""
	TriggerStopLoss   Trigger = "stop_loss"
	TriggerTakeProfit Trigger = "take_profit"
)

// CloseReason maps a trigger to the reason persisted on the closed record.
func (t Trigger) CloseReason() string {
	switch t {
	case TriggerStopLoss:
		return domain.ReasonStopLoss
	case TriggerTakeProfit:
		return domain.ReasonTakeProfit
	}
	return ""
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func out(v decimal.Decimal) float64 {
	return v.Round(Precision).InexactFloat64()
}

// pctFactor returns 1 + sign*pct/100.
func pctFactor(pct float64, sign int64) decimal.Decimal {
	return decimal.NewFromInt(1).Add(d(pct).Div(hundred).Mul(decimal.NewFromInt(sign)))
}

// InitialThresholds derives the stop-loss and take-profit prices from the
// entry price. Long stops sit below entry and targets above; short mirrors.
func InitialThresholds(side domain.PositionSide, entry, slPct, tpPct float64) (stopLoss, takeProfit float64) {
	e := d(entry)
	if side == domain.SideShort {
		return out(e.Mul(pctFactor(slPct, 1))), out(e.Mul(pctFactor(tpPct, -1)))
	}
	return out(e.Mul(pctFactor(slPct, -1))), out(e.Mul(pctFactor(tpPct, 1)))
}

// CheckTrigger compares current against the thresholds. Stop-loss is
// checked first.
func CheckTrigger(side domain.PositionSide, current, stopLoss, takeProfit float64) Trigger {
	c, sl, tp := d(current), d(stopLoss), d(takeProfit)
	if side == domain.SideShort {
		switch {
		case c.GreaterThanOrEqual(sl):
			return TriggerStopLoss
		case c.LessThanOrEqual(tp):
			return TriggerTakeProfit
		}
		return TriggerNone
	}
	switch {
	case c.LessThanOrEqual(sl):
		return TriggerStopLoss
	case c.GreaterThanOrEqual(tp):
		return TriggerTakeProfit
	}
	return TriggerNone
}

// TrailingCandidate is the stop-loss implied by the current price.
func TrailingCandidate(side domain.PositionSide, current, slPct float64) float64 {
	if side == domain.SideShort {
		return out(d(current).Mul(pctFactor(slPct, 1)))
	}
	return out(d(current).Mul(pctFactor(slPct, -1)))
}

// Tightens reports whether candidate moves the stop in the protective
// direction relative to stored: up for longs, down for shorts.
func Tightens(side domain.PositionSide, candidate, stored float64) bool {
	if side == domain.SideShort {
		return d(candidate).LessThan(d(stored))
	}
	return d(candidate).GreaterThan(d(stored))
}

// NextTrailingStop returns the ratcheted stop and whether it moved.
func NextTrailingStop(side domain.PositionSide, current, slPct, stored float64) (float64, bool) {
	candidate := TrailingCandidate(side, current, slPct)
	if !Tightens(side, candidate, stored) {
		return stored, false
	}
	return candidate, true
}

// PnL returns the absolute and percentage profit of holding qty from entry
// to current. Shorts profit when price falls.
func PnL(side domain.PositionSide, entry, current, qty float64) (pl, plPct float64) {
	e, c := d(entry), d(current)
	diff := c.Sub(e)
	if side == domain.SideShort {
		diff = e.Sub(c)
	}
	pl = out(diff.Mul(d(qty)))
	if e.IsZero() {
		return pl, 0
	}
	return pl, out(diff.Div(e).Mul(hundred))
}
