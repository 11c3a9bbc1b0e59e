// FILE: exits.go
// Package main – ATR-based exit classification.
//
// Hard stop, take-profit, then an activate-then-ratchet trailing stop
// keyed off the position's high-water mark.
package main

// EvaluateExit classifies at most one exit reason for the current
// position, in priority order: stop-loss, take-profit, trailing stop.
// The high-water mark (PeakPrice for long, LowPrice for short) is
// updated on state as a side effect of evaluating this tick.
func EvaluateExit(state *PositionState, price, atr float64, cfg StrategyConfig) ExitReason {
	if atr <= 0 {
		return ExitNone
	}

	sl := cfg.SLAtrMult * atr
	tp := cfg.TPAtrMult * atr
	trail := cfg.TrailAtrMult * atr
	trailGate := cfg.TrailStartR * sl

	switch state.Direction {
	case DirectionLong:
		diff := price - state.EntryPrice
		if diff <= -sl {
			return ExitStopLoss
		}
		if diff >= tp {
			return ExitTakeProfit
		}
		if price > state.PeakPrice {
			state.PeakPrice = price
		}
		// Activation is sticky: once the high-water mark has cleared the
		// gate, a pullback below it cannot disarm the trail.
		if state.PeakPrice-state.EntryPrice >= trailGate {
			if price <= state.PeakPrice-trail {
				return ExitTrailing
			}
		}
	case DirectionShort:
		diff := state.EntryPrice - price
		if diff <= -sl {
			return ExitStopLoss
		}
		if diff >= tp {
			return ExitTakeProfit
		}
		if state.LowPrice == 0 || price < state.LowPrice {
			state.LowPrice = price
		}
		if state.LowPrice != 0 && state.EntryPrice-state.LowPrice >= trailGate {
			if price >= state.LowPrice+trail {
				return ExitTrailing
			}
		}
	}
	return ExitNone
}
