// FILE: health.go
// Package main – debounced health reporter.
//
// Record methods accumulate a sparse gauge patch, a claim protocol
// decides when a flush may proceed, and the rolling-window counters are
// stapled on at snapshot time.
package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	healthDebounce      = 3 * time.Second
	healthCriticalDelay = 1 * time.Second
)

// flushInterval returns the periodic flush cadence for a tier and
// in-position state. In-position bots flush more often.
func flushInterval(tier PollingTier, inPosition bool) time.Duration {
	type pair struct{ out, in time.Duration }
	table := map[PollingTier]pair{
		TierFast5s:   {60 * time.Second, 20 * time.Second},
		TierUltra15s: {90 * time.Second, 45 * time.Second},
		TierFast30s:  {120 * time.Second, 75 * time.Second},
		TierStandard: {180 * time.Second, 150 * time.Second},
	}
	p, ok := table[tier]
	if !ok {
		p = table[TierStandard]
	}
	if inPosition {
		return p.in
	}
	return p.out
}

// HealthSink is the persistence-side capability the reporter flushes
// through. persistence.go's client implements it.
type HealthSink interface {
	UpsertHealthEvidence(ctx context.Context, botID string, patch map[string]any) error
}

// HealthReporter aggregates per-tick health signals and flushes them to
// the persistence RPC under a debounce/claim protocol.
type HealthReporter struct {
	mu sync.Mutex

	botID  string
	tier   PollingTier
	sink   HealthSink
	window *RollingWindow
	log    *zap.SugaredLogger

	pendingPatch map[string]any
	lastFlushAt  time.Time
	scheduledAt  time.Time
	scheduledRsn string
	inPosition   bool
}

// NewHealthReporter builds a reporter for botID flushing through sink.
func NewHealthReporter(botID string, tier PollingTier, sink HealthSink, log *zap.SugaredLogger) *HealthReporter {
	return &HealthReporter{
		botID:        botID,
		tier:         tier,
		sink:         sink,
		window:       NewRollingWindow(),
		log:          log,
		pendingPatch: map[string]any{},
	}
}

// SetTier updates the polling tier used to index flushInterval, e.g. on
// control hot-reload.
func (h *HealthReporter) SetTier(tier PollingTier) {
	h.mu.Lock()
	h.tier = tier
	h.mu.Unlock()
}

// SetInPosition updates the in-position state flushInterval indexes on.
func (h *HealthReporter) SetInPosition(v bool) {
	h.mu.Lock()
	h.inPosition = v
	h.mu.Unlock()
}

func (h *HealthReporter) set(key string, v any) {
	h.mu.Lock()
	h.pendingPatch[key] = v
	h.mu.Unlock()
}

// Observational record methods. All idempotent; all safe for
// concurrent callers (guarded by the reporter mutex or the window's own
// mutex).
func (h *HealthReporter) MarkAuthOK()  { h.set("auth_ok", true) }
func (h *HealthReporter) MarkAuthFail(reason string) {
	h.set("auth_ok", false)
	h.set("auth_fail_reason", reason)
	h.FlushNow("auth_fail")
}
func (h *HealthReporter) RecordRateLimitHit() {
	h.window.Inc("rate_limit_hit")
}
func (h *HealthReporter) RecordCandleLag(sec float64) { h.set("candle_lag_sec", sec) }
func (h *HealthReporter) RecordStreamDisconnect() {
	h.window.Inc("stream_disconnect")
	if h.window.Count("stream_disconnect") >= 2 {
		h.FlushNow("stream_disconnect")
	}
}
func (h *HealthReporter) RecordCandleGap() {
	h.window.Inc("candle_gap")
	h.mu.Lock()
	inPos := h.inPosition
	h.mu.Unlock()
	if inPos && h.window.Count("candle_gap") >= 1 {
		h.FlushNow("candle_gap")
	}
}
func (h *HealthReporter) RecordStrategyTickOK()          { h.set("strategy_tick_ok", true) }
func (h *HealthReporter) RecordStrategyTickFail(reason string) {
	h.set("strategy_tick_ok", false)
	h.set("strategy_tick_fail_reason", reason)
}
func (h *HealthReporter) RecordIndicatorError(code string) {
	h.window.Inc("indicator_error")
	h.set("last_indicator_error", code)
	if h.window.Count("indicator_error") >= 3 {
		h.FlushNow("indicator_error_spike")
	}
}
func (h *HealthReporter) RecordDecision() { h.window.Inc("decision") }
func (h *HealthReporter) RecordOrderSubmit() {
	h.set("last_order_submit_at", time.Now().UTC())
	h.FlushNow("order_submit")
}
func (h *HealthReporter) RecordOrderAck(latencyMs float64) {
	h.set("last_order_ack_latency_ms", latencyMs)
	h.FlushNow("order_ack")
}
func (h *HealthReporter) RecordOrderReject(reason string) {
	h.window.Inc("order_reject")
	h.set("last_order_reject_reason", reason)
	h.FlushNow("order_reject")
}
func (h *HealthReporter) RecordPositionSync(diff float64) {
	h.set("last_position_diff", diff)
	if diff > 0 {
		h.FlushNow("position_diff")
	}
}
func (h *HealthReporter) RecordTrailingUpdate() {
	h.set("last_trailing_update_at", time.Now().UTC())
	h.FlushNow("trailing_update")
}
func (h *HealthReporter) RecordDBOK() { h.set("db_ok", true) }
func (h *HealthReporter) RecordDBError(reason string) {
	h.window.Inc("db_error")
	h.set("db_ok", false)
	h.set("last_db_error", reason)
	h.FlushNow("db_error")
}

// claim runs the flush-decision algorithm under the mutex and returns
// the patch to send (nil if declined).
func (h *HealthReporter) claim(force bool, reason string, now time.Time) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.scheduledAt.IsZero() && now.Before(h.scheduledAt) && !force {
		return nil
	}
	if !h.scheduledAt.IsZero() && !now.Before(h.scheduledAt) {
		// A due deferred flush was scheduled by a critical event; it is
		// claimed as forced no matter which path picked it up, otherwise
		// the periodic gate below would swallow it.
		reason = h.scheduledRsn
		h.scheduledAt = time.Time{}
		h.scheduledRsn = ""
		force = true
	}

	due := now.Sub(h.lastFlushAt)
	if force {
		if due < healthDebounce {
			scheduleAt := h.lastFlushAt.Add(healthDebounce)
			if alt := now.Add(healthCriticalDelay); alt.After(scheduleAt) {
				scheduleAt = alt
			}
			h.scheduledAt = scheduleAt
			h.scheduledRsn = reason
			return nil
		}
	} else {
		needed := flushInterval(h.tier, h.inPosition)
		if needed < healthDebounce {
			needed = healthDebounce
		}
		if due < needed {
			return nil
		}
	}

	patch := make(map[string]any, len(h.pendingPatch)+len(windowKeys)+1)
	for k, v := range h.pendingPatch {
		patch[k] = v
	}
	for k, v := range h.window.Snapshot(now) {
		patch[k] = v
	}
	patch["flush_reason"] = reason
	return patch
}

func (h *HealthReporter) flush(ctx context.Context, force bool, reason string) {
	now := time.Now()
	patch := h.claim(force, reason, now)
	if patch == nil {
		return
	}
	actualReason, _ := patch["flush_reason"].(string)
	if actualReason == "" {
		actualReason = reason
	}
	mtxHealthFlush.WithLabelValues(actualReason).Inc()
	for _, k := range windowKeys {
		if v, ok := patch[k].(int); ok {
			mtxRollingWindow.WithLabelValues(k).Set(float64(v))
		}
	}
	err := h.sink.UpsertHealthEvidence(ctx, h.botID, patch)
	h.mu.Lock()
	if err != nil {
		h.mu.Unlock()
		if h.log != nil {
			h.log.Warnw("health flush failed, patch retained", "reason", reason, "err", err)
		}
		return
	}
	h.pendingPatch = map[string]any{}
	h.lastFlushAt = now
	h.mu.Unlock()
}

// FlushNow requests a forced, critical-path flush.
func (h *HealthReporter) FlushNow(reason string) {
	h.flush(context.Background(), true, reason)
}

// MaybeFlush is the periodic, non-forced path polled by the background
// flusher goroutine.
func (h *HealthReporter) MaybeFlush(ctx context.Context) {
	h.flush(ctx, false, "periodic")
}

// looksLikeRateLimit reports whether an error reads like a venue
// rate-limit response.
func looksLikeRateLimit(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}
