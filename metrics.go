// FILE: metrics.go
// Package main – Prometheus metrics for observability, registered once
// at init.
package main

import "github.com/prometheus/client_golang/prometheus"

var (
	// worker_orders_total counts submitted orders by mode and side.
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_orders_total",
			Help: "Orders submitted",
		},
		[]string{"mode", "side"},
	)

	// worker_decisions_total counts entry-signal evaluations.
	mtxDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_decisions_total",
			Help: "Entry-signal decisions evaluated",
		},
		[]string{"signal"},
	)

	// worker_exit_reasons_total splits closed positions by exit reason.
	mtxExitReasons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_exit_reasons_total",
			Help: "Total exits split by reason and direction",
		},
		[]string{"reason", "direction"},
	)

	// worker_trades_total counts trades by realized result.
	mtxTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_trades_total",
			Help: "Trades counted by result (win|loss)",
		},
		[]string{"result"},
	)

	// worker_unrealized_pnl_usd reports the live position's mark-to-market.
	mtxUnrealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_unrealized_pnl_usd",
			Help: "Unrealized PnL of the open position in USD",
		},
	)

	// worker_cumulative_pnl_usd is the running realized total.
	mtxCumulativePnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_cumulative_pnl_usd",
			Help: "Cumulative realized PnL in USD",
		},
	)

	// worker_health_flush_total counts reporter flushes by reason.
	mtxHealthFlush = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_health_flush_total",
			Help: "Health reporter flushes by reason",
		},
		[]string{"reason"},
	)

	// worker_candle_lag_seconds is the gap between the latest bar's open
	// time and now, as last recorded by the Position Manager.
	mtxCandleLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_candle_lag_seconds",
			Help: "Seconds between the most recent processed candle and now",
		},
	)

	// worker_rolling_window reports the rolling-window's 15-minute counts,
	// refreshed on every health flush.
	mtxRollingWindow = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_rolling_window",
			Help: "Rolling 15-minute event counts by key",
		},
		[]string{"key"},
	)

	// worker_loop_errors_total counts non-fatal tick errors.
	mtxLoopErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_loop_errors_total",
			Help: "Non-fatal errors encountered in the main loop",
		},
	)

	// worker_state indicates the current LoopState as a one-hot gauge set.
	mtxState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_state",
			Help: "Current loop state indicator (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(mtxOrders, mtxDecisions, mtxExitReasons, mtxTrades)
	prometheus.MustRegister(mtxUnrealizedPnL, mtxCumulativePnL)
	prometheus.MustRegister(mtxHealthFlush, mtxCandleLag, mtxRollingWindow)
	prometheus.MustRegister(mtxLoopErrors, mtxState)
}

func observePositionMetrics(p PositionState) {
	mtxUnrealizedPnL.Set(p.UnrealizedPnL)
	mtxCumulativePnL.Set(p.CumulativePnL)
}

func observeExit(reason ExitReason, direction Direction, realizedPnL float64) {
	mtxExitReasons.WithLabelValues(string(reason), string(direction)).Inc()
	if realizedPnL >= 0 {
		mtxTrades.WithLabelValues("win").Inc()
	} else {
		mtxTrades.WithLabelValues("loss").Inc()
	}
}

func observeState(current LoopState) {
	for _, s := range []LoopState{StateInit, StateIdle, StateWaitingForEntry, StateInPosition, StateCooldown, StateHalt} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		mtxState.WithLabelValues(string(s)).Set(v)
	}
}
