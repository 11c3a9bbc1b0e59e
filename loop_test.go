// FILE: loop_test.go
package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spyFailer struct{ failed bool }

func (f *spyFailer) Fail() { f.failed = true }

func newTestLoop(t *testing.T, ex *spyExchange, rec *rpcRecorder, strategy Strategy) (*Loop, *PositionState, *spyFailer) {
	t.Helper()
	persist := newTestPersistence(t, rec)
	sink := &spySink{}
	reporter := NewHealthReporter("bot-1", TierStandard, sink, testLogger())
	orders := NewOrderSubmitter("bot-1", ex, reporter, testLogger())
	state := NewPositionState()
	manager := NewPositionManager(state, ex, orders, persist, reporter, testLogger())
	syncSvc := NewExchangeSyncService("bot-1", ex, persist, reporter, testLogger(), "1h")
	scheduler := NewScheduler(60, 5, 30)
	bc := testBotContext()
	loop := NewLoop(bc, strategy, manager, syncSvc, persist, reporter, scheduler, testLogger(), &spyFailer{})
	failer := loop.hcFailer.(*spyFailer)
	return loop, state, failer
}

func TestPauseReasonPrecedence(t *testing.T) {
	bc := testBotContext()
	assert.Empty(t, pauseReason(bc))

	bc.Control.PauseRequested = true
	assert.Equal(t, "pause_requested", pauseReason(bc))

	bc.Control.TradingEnabled = false
	assert.Equal(t, "trading_disabled", pauseReason(bc))

	bc.Control.KillSwitch = true
	assert.Equal(t, "kill_switch", pauseReason(bc))

	bc.SubscriptionActive = false
	assert.Equal(t, "subscription_inactive", pauseReason(bc))
}

func TestApplyTransitionFromInit(t *testing.T) {
	rec := newRPCRecorder()
	rec.respond("bot_runtime_get_position", `{}`)

	l, state, _ := newTestLoop(t, &spyExchange{}, rec, &scriptedStrategy{})
	l.applyTransition("")
	assert.Equal(t, StateWaitingForEntry, l.state)

	l.state = StateInit
	state.InPosition = true
	l.applyTransition("")
	assert.Equal(t, StateInPosition, l.state)

	l.state = StateInit
	l.applyTransition("kill_switch")
	assert.Equal(t, StateIdle, l.state)
}

func TestApplyTransitionPauseAndResume(t *testing.T) {
	rec := newRPCRecorder()
	l, state, _ := newTestLoop(t, &spyExchange{}, rec, &scriptedStrategy{})

	l.state = StateWaitingForEntry
	l.applyTransition("pause_requested")
	assert.Equal(t, StateIdle, l.state)
	// The paused event was journaled.
	assert.NotEmpty(t, rec.callsFor("bot_runtime_notify"))

	l.applyTransition("")
	assert.Equal(t, StateWaitingForEntry, l.state)

	l.state = StateIdle
	state.InPosition = true
	l.applyTransition("")
	assert.Equal(t, StateInPosition, l.state)
}

func TestCooldownIsSingleTick(t *testing.T) {
	rec := newRPCRecorder()
	rec.respond("bot_runtime_get_position", `{}`)
	l, _, _ := newTestLoop(t, &spyExchange{}, rec, &scriptedStrategy{})

	l.state = StateCooldown
	l.sync.nextSyncAt = time.Now().Add(time.Hour) // keep sync quiet
	require.NoError(t, l.tick(context.Background(), time.Now()))
	assert.Equal(t, StateWaitingForEntry, l.state)
}

func TestAfterTickCountsTransientErrors(t *testing.T) {
	rec := newRPCRecorder()
	l, _, failer := newTestLoop(t, &spyExchange{}, rec, &scriptedStrategy{})
	l.state = StateWaitingForEntry

	for i := 1; i < maxConsecutiveErrors; i++ {
		l.afterTick(context.Background(), errors.New("boom"))
		assert.Equal(t, i, l.consecErrors)
		assert.NotEqual(t, StateHalt, l.state)
	}

	// A clean tick resets the counter.
	l.afterTick(context.Background(), nil)
	assert.Zero(t, l.consecErrors)

	// Five in a row halt and fail the healthcheck.
	for i := 0; i < maxConsecutiveErrors; i++ {
		l.afterTick(context.Background(), errors.New("boom"))
	}
	assert.Equal(t, StateHalt, l.state)
	assert.True(t, failer.failed)
}

func TestAfterTickSyncErrorIsImmediatelyFatal(t *testing.T) {
	rec := newRPCRecorder()
	l, _, failer := newTestLoop(t, &spyExchange{}, rec, &scriptedStrategy{})
	l.state = StateInPosition

	l.afterTick(context.Background(), &ExchangeSyncError{Reason: "position missing"})
	assert.Equal(t, StateHalt, l.state)
	assert.False(t, failer.failed, "sync halt does not fail the healthcheck path")
	assert.Zero(t, l.consecErrors)
}

func TestTickRefreshControlsAppliesKillSwitch(t *testing.T) {
	rec := newRPCRecorder()
	rec.respond("bot_runtime_get_position", `{}`)
	rec.respond("bot_runtime_refresh_controls", `{
		"control_config": {"kill_switch": true, "trading_enabled": true},
		"subscription_status": "active"
	}`)
	l, _, _ := newTestLoop(t, &spyExchange{}, rec, &scriptedStrategy{})
	l.state = StateWaitingForEntry

	// lastControlRefresh is zero, so the first tick refreshes.
	require.NoError(t, l.tick(context.Background(), time.Now()))
	assert.True(t, l.bc.Control.KillSwitch)
	assert.Equal(t, StateIdle, l.state)
}

func TestTickRefreshControlsHotReloadsExecution(t *testing.T) {
	rec := newRPCRecorder()
	rec.respond("bot_runtime_get_position", `{}`)
	rec.respond("bot_runtime_refresh_controls", `{
		"control_config": {"trading_enabled": true},
		"execution_config": {"poll_interval": 120, "max_slippage_bps": 25, "polling_tier": "fast_30s"},
		"subscription_status": "active"
	}`)
	l, _, _ := newTestLoop(t, &spyExchange{}, rec, &scriptedStrategy{})
	l.state = StateWaitingForEntry

	require.NoError(t, l.tick(context.Background(), time.Now()))
	assert.Equal(t, 120.0, l.bc.Execution.PollBase)
	assert.Equal(t, 25.0, l.bc.Execution.MaxSlippageBps)
	assert.Equal(t, TierFast30s, l.bc.Execution.Tier)
	assert.Equal(t, TierFast30s, l.reporter.tier)
}

func TestTickSubscriptionLapseWritesEvent(t *testing.T) {
	rec := newRPCRecorder()
	rec.respond("bot_runtime_get_position", `{}`)
	rec.respond("bot_runtime_refresh_controls", `{"subscription_status": "past_due"}`)
	l, _, _ := newTestLoop(t, &spyExchange{}, rec, &scriptedStrategy{})
	l.state = StateWaitingForEntry

	require.NoError(t, l.tick(context.Background(), time.Now()))
	assert.False(t, l.bc.SubscriptionActive)
	assert.Equal(t, StateIdle, l.state)

	var sawStoppedPayment bool
	for _, c := range rec.callsFor("bot_runtime_notify") {
		if payload, ok := c.Body["p_payload"].(map[string]any); ok && payload["type"] == "stopped_payment" {
			sawStoppedPayment = true
		}
	}
	assert.True(t, sawStoppedPayment)
}

func TestTickRunsWithoutSyncService(t *testing.T) {
	// Paper mode carries no sync service; the tick must not assume one.
	rec := newRPCRecorder()
	rec.respond("bot_runtime_get_position", `{}`)
	l, _, _ := newTestLoop(t, &spyExchange{}, rec, &scriptedStrategy{})
	l.sync = nil
	l.state = StateWaitingForEntry

	require.NoError(t, l.tick(context.Background(), time.Now()))
	assert.Equal(t, StateWaitingForEntry, l.state)
}

func TestTickPropagatesFatalSyncError(t *testing.T) {
	rec := newRPCRecorder()
	rec.respond("bot_runtime_get_position", `{"id":"pos-1","symbol":"BTC/USD"}`)
	l, _, _ := newTestLoop(t, &spyExchange{}, rec, &scriptedStrategy{})
	l.state = StateWaitingForEntry

	err := l.tick(context.Background(), time.Now())
	var syncErr *ExchangeSyncError
	require.ErrorAs(t, err, &syncErr)
}
