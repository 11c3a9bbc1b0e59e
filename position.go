// FILE: position.go
// Package main – PositionState data model and sizing math.
//
// Exactly one position is open at any time per worker; scale-ins
// accumulate onto the same state rather than spawning per-lot records.
// Money math goes through shopspring/decimal so sizing and PnL don't
// accumulate float drift.
package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is the process-wide position record, mutated only by
// the Position Manager on the loop thread.
type PositionState struct {
	InPosition bool
	PositionID string
	Direction  Direction

	EntryPrice    float64
	EntryTime     time.Time
	Qty           float64
	BaseNotional  float64
	PeakPrice     float64
	LowPrice      float64
	AddedLevels   int

	WeekTradeCounts map[string]int

	LastExitTime    time.Time
	LastCandleTime  time.Time

	CumulativePnL float64
	MaxUnrealized float64
	MinUnrealized float64
	LastPrice     float64
	UnrealizedPnL float64

	StopPrice           float64
	TakeProfitPrice     float64
	TrailingStopPrice   float64
	TrailingActive      bool
	ATR                 float64

	LastManageTime time.Time
	HeartbeatAt    time.Time
}

// NewPositionState builds an empty, out-of-position state.
func NewPositionState() *PositionState {
	return &PositionState{WeekTradeCounts: map[string]int{}}
}

// resetAfterExit clears position-specific fields but carries forward
// the counters and timestamps that survive a close.
func (p *PositionState) resetAfterExit(exitTime time.Time, realizedPnL float64) {
	weekCounts := p.WeekTradeCounts
	lastCandle := p.LastCandleTime
	cumulative := p.CumulativePnL + realizedPnL

	*p = PositionState{
		WeekTradeCounts: weekCounts,
		LastCandleTime:  lastCandle,
		CumulativePnL:   cumulative,
		LastExitTime:    exitTime,
	}
}

// Snapshot returns a read-only copy for background readers (health
// reporter, debug endpoint); they never touch the live struct.
func (p *PositionState) Snapshot() PositionState {
	cp := *p
	counts := make(map[string]int, len(p.WeekTradeCounts))
	for k, v := range p.WeekTradeCounts {
		counts[k] = v
	}
	cp.WeekTradeCounts = counts
	return cp
}

// updateUnrealized recomputes unrealized PnL and the running peak/low
// high-water marks for the given current price.
func (p *PositionState) updateUnrealized(price float64) {
	p.LastPrice = price
	sign := p.Direction.sign()
	p.UnrealizedPnL = (price - p.EntryPrice) * p.Qty * sign
	if p.UnrealizedPnL > p.MaxUnrealized {
		p.MaxUnrealized = p.UnrealizedPnL
	}
	if p.UnrealizedPnL < p.MinUnrealized {
		p.MinUnrealized = p.UnrealizedPnL
	}
	switch p.Direction {
	case DirectionLong:
		if price > p.PeakPrice {
			p.PeakPrice = price
		}
	case DirectionShort:
		if p.LowPrice == 0 || price < p.LowPrice {
			p.LowPrice = price
		}
	}
}

// computeNotional computes balance*allocation_frac*leverage using
// decimal arithmetic to avoid float drift on the money math, returning
// a float64 for the rest of the core (which deals in plain floats for
// prices and quantities).
func computeNotional(balance, allocationFrac, leverage float64) float64 {
	b := decimal.NewFromFloat(balance)
	a := decimal.NewFromFloat(allocationFrac)
	l := decimal.NewFromFloat(leverage)
	notional := b.Mul(a).Mul(l)
	f, _ := notional.Float64()
	return f
}

// computeQty computes notional/price via decimal division.
func computeQty(notional, price float64) float64 {
	if price <= 0 {
		return 0
	}
	n := decimal.NewFromFloat(notional)
	p := decimal.NewFromFloat(price)
	qty, _ := n.Div(p).Float64()
	return qty
}

// computeRealizedPnL computes (exit-entry)*qty*sign(direction) via
// decimal arithmetic.
func computeRealizedPnL(exit, entry, qty float64, dir Direction) float64 {
	e := decimal.NewFromFloat(exit)
	en := decimal.NewFromFloat(entry)
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(dir.sign())
	pnl, _ := e.Sub(en).Mul(q).Mul(s).Float64()
	return pnl
}

// pyramidAddNotional computes base_notional * pyramid_add_frac.
func pyramidAddNotional(baseNotional, addFrac float64) float64 {
	b := decimal.NewFromFloat(baseNotional)
	f := decimal.NewFromFloat(addFrac)
	n, _ := b.Mul(f).Float64()
	return n
}

// weekKey returns the "<isoyear>-<isoweek>" key the weekly trade
// counter is bucketed by.
func weekKey(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-%02d", year, week)
}
