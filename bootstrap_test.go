// FILE: bootstrap_test.go
package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContextRow() BotContextRow {
	return BotContextRow{
		Bot: map[string]any{
			"id":           "bot-1",
			"user_id":      "user-1",
			"name":         "alpha",
			"strategy_key": "atr_trend",
			"mode":         "live",
			"dry_run":      false,
			"exchange_id":  "bybit",
		},
		Subscription:    map[string]any{"status": "active"},
		SupportedMarket: map[string]any{"symbol": "BTC/USDT"},
		StrategyProfile: map[string]any{
			"timeframe":       "4h",
			"lookback_bars":   float64(500),
			"min_bars":        float64(50),
			"sl_atr_mult":     2.0,
			"tp_atr_mult":     4.0,
			"leverage":        3.0,
			"allocation_frac": 0.2,
			"polling_tier":    "fast_30s",
		},
	}
}

func TestBuildBotContextMapsProfile(t *testing.T) {
	bc := buildBotContext(testContextRow())

	assert.Equal(t, "bot-1", bc.BotID)
	assert.Equal(t, ModeLive, bc.Mode)
	assert.True(t, bc.SubscriptionActive)
	assert.Equal(t, "BTC/USDT", bc.MarketSymbol)

	assert.Equal(t, "4h", bc.Strategy.Timeframe)
	assert.Equal(t, 500, bc.Strategy.LookbackBars)
	assert.Equal(t, 2.0, bc.Strategy.SLAtrMult)
	assert.Equal(t, 3.0, bc.Risk.Leverage)
	assert.Equal(t, 0.2, bc.Risk.AllocationFrac)
	assert.Equal(t, TierFast30s, bc.Execution.Tier)

	// Defaults fill what the profile omits; clamps still hold.
	assert.Equal(t, 4.0, bc.Strategy.TPAtrMult)
	assert.GreaterOrEqual(t, bc.Execution.PollMin, MinPollSeconds)
	assert.True(t, bc.Control.TradingEnabled)
}

func TestBuildBotContextClampsHostileProfile(t *testing.T) {
	row := testContextRow()
	row.StrategyProfile["leverage"] = 1000.0
	row.StrategyProfile["allocation_frac"] = 0.99
	row.StrategyProfile["lookback_bars"] = float64(99999)
	row.StrategyProfile["max_slippage_bps"] = 99999.0

	bc := buildBotContext(row)
	assert.Equal(t, MaxLeverage, bc.Risk.Leverage)
	assert.Equal(t, MaxAllocationFrac, bc.Risk.AllocationFrac)
	assert.Equal(t, MaxLookbackBars, bc.Strategy.LookbackBars)
	assert.Equal(t, MaxSlippageBps, bc.Execution.MaxSlippageBps)
}

func TestBuildBotContextDryRunForcesPaper(t *testing.T) {
	row := testContextRow()
	row.Bot["dry_run"] = true

	bc := buildBotContext(row)
	assert.True(t, bc.DryRun)
	assert.Equal(t, ModePaper, bc.Mode)
}

func TestStartupGate(t *testing.T) {
	bc := testBotContext()
	require.NoError(t, startupGate(bc))

	bc.SubscriptionActive = false
	assert.ErrorContains(t, startupGate(bc), "subscription")

	bc = testBotContext()
	bc.Control.KillSwitch = true
	assert.ErrorContains(t, startupGate(bc), "kill switch")

	bc = testBotContext()
	bc.Control.TradingEnabled = false
	assert.ErrorContains(t, startupGate(bc), "disabled")

	bc = testBotContext()
	bc.Control.AdminOverride = true
	assert.ErrorContains(t, startupGate(bc), "admin override")
}

func TestHydratePositionState(t *testing.T) {
	state := NewPositionState()
	hydratePositionState(state, PositionRow{
		"id":          "pos-7",
		"direction":   "short",
		"entry_price": 250.0,
		"qty":         2.0,
		"base_notional": 500.0,
		"entry_time":  "2024-03-04T00:00:00Z",
		"trailing_active": true,
	})

	assert.True(t, state.InPosition)
	assert.Equal(t, "pos-7", state.PositionID)
	assert.Equal(t, DirectionShort, state.Direction)
	assert.Equal(t, 250.0, state.EntryPrice)
	assert.Equal(t, 2.0, state.Qty)
	assert.True(t, state.TrailingActive)
	assert.Equal(t, 250.0, state.LowPrice)
	assert.Equal(t, 2024, state.EntryTime.Year())
}

func TestConnectivityProbeRecordsAuth(t *testing.T) {
	sink := &spySink{}
	reporter := NewHealthReporter("bot-1", TierStandard, sink, testLogger())
	bc := testBotContext()

	ex := &spyExchange{
		ticker:  Ticker{Last: 100},
		candles: hourlyCandles(barT0, 100, 101, 102, 103, 104),
		balance: map[string]Balance{"USD": {Total: 100}},
	}
	require.NoError(t, connectivityProbe(context.Background(), ex, bc, reporter))
	reporter.mu.Lock()
	assert.Equal(t, true, reporter.pendingPatch["auth_ok"])
	reporter.mu.Unlock()

	bad := &spyExchange{tickerErr: newKindError(KindInvalidAPIKey, "invalid api key")}
	err := connectivityProbe(context.Background(), bad, bc, reporter)
	require.Error(t, err)
	assert.GreaterOrEqual(t, sink.flushCount(), 1)
	assert.Equal(t, "INVALID_API_KEY", sink.lastPatch()["auth_fail_reason"])
}
