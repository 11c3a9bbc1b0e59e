// FILE: bootstrap.go
// Package main – bootstrap.
//
// Hydrate the bot context, resolve and clamp configuration, stand up the
// health reporter and sync service, gate on controls, probe
// connectivity, and wire the loop.
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Bootstrapped bundles everything main.go needs to run the loop after a
// successful boot.
type Bootstrapped struct {
	BC       *BotContext
	Manager  *PositionManager
	Sync     *ExchangeSyncService
	Reporter *HealthReporter
	Exchange Exchange
	Scheduler *Scheduler
	Loop     *Loop
}

// bootError wraps a bootstrap step failure with a user-friendly step
// name.
type bootError struct {
	step string
	err  error
}

func (e *bootError) Error() string { return fmt.Sprintf("bootstrap failed at %s: %v", e.step, e.err) }
func (e *bootError) Unwrap() error { return e.err }

func asString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func asBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

func asFloat(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func asInt(m map[string]any, key string) int {
	return int(asFloat(m, key))
}

// buildBotContext maps the joined bot_runtime_get_context row onto
// BotContext, running the definition->profile->user->persisted merge
// before normalizing with the hard-safety clamps.
func buildBotContext(row BotContextRow) *BotContext {
	bot := row.Bot
	profile := row.StrategyProfile
	sub := row.Subscription
	market := row.SupportedMarket

	profileLayer := configLayer{
		Strategy: &StrategyConfig{
			Timeframe:    asString(profile, "timeframe"),
			LookbackBars: asInt(profile, "lookback_bars"),
			MinBars:      asInt(profile, "min_bars"),
			SLAtrMult:    asFloat(profile, "sl_atr_mult"),
			TPAtrMult:    asFloat(profile, "tp_atr_mult"),
			TrailStartR:  asFloat(profile, "trail_start_r"),
			TrailAtrMult: asFloat(profile, "trail_atr_mult"),
		},
		Risk: &RiskConfig{
			Leverage:          asFloat(profile, "leverage"),
			AllocationFrac:    asFloat(profile, "allocation_frac"),
			MaxTradesPerWeek:  asInt(profile, "max_trades_per_week"),
			MinNotionalUSD:    asFloat(profile, "min_notional_usd"),
			PyramidingEnabled: asBool(profile, "pyramiding_enabled"),
			MaxPyramidLevels:  asInt(profile, "max_pyramid_levels"),
			PyramidStep:       asFloat(profile, "pyramid_step"),
			PyramidAddFrac:    asFloat(profile, "pyramid_add_frac"),
		},
		Execution: &ExecutionConfig{
			MaxSlippageBps: asFloat(profile, "max_slippage_bps"),
			PollBase:       asFloat(profile, "poll_interval"),
			PollJitter:     asFloat(profile, "poll_jitter"),
			PollMin:        asFloat(profile, "poll_min"),
			Tier:           PollingTier(asString(profile, "polling_tier")),
		},
	}
	userLayer := loadEnvOverrides()
	persistedLayer := configLayer{
		Risk: &RiskConfig{
			MaxTradesPerWeek: asInt(bot, "max_trades_per_week"),
		},
		Execution: &ExecutionConfig{
			Tier: PollingTier(getEnv("POLLING_TIER", "")),
		},
	}

	strategy, risk, execution := resolveConfig(profileLayer, userLayer, persistedLayer)

	bc := &BotContext{
		BotID:               asString(bot, "id"),
		UserID:              asString(bot, "user_id"),
		Name:                asString(bot, "name"),
		StrategyKey:         asString(bot, "strategy_key"),
		Mode:                Mode(asString(bot, "mode")),
		DryRun:              asBool(bot, "dry_run"),
		SubscriptionActive:  asString(sub, "status") == "active",
		ExchangeID:          asString(bot, "exchange_id"),
		MarketSymbol:        asString(market, "symbol"),
		EncryptedCredential: asString(bot, "encrypted_credential"),
		Strategy:            strategy,
		Risk:                risk,
		Execution:           execution,
		Control: ControlConfig{
			KillSwitch:     asBool(bot, "kill_switch"),
			TradingEnabled: !asBool(bot, "trading_disabled"),
			PauseRequested: asBool(bot, "pause_requested"),
			AdminOverride:  asBool(bot, "admin_override"),
		},
	}
	if bc.Mode == "" {
		bc.Mode = ModeLive
	}
	bc.applyDryRun()
	return bc
}

// newExchangeForMode builds the live or paper Exchange adapter per
// BotContext.Mode. Paper mode keeps the REST bridge as its data feed
// (candles and tickers stay real) and only swaps order execution and
// balances for the in-memory simulation.
func newExchangeForMode(bc *BotContext) Exchange {
	feed := NewRESTExchange(getEnv("EXCHANGE_BRIDGE_URL", ""))
	if bc.Mode == ModePaper {
		return NewPaperExchange(feed, quoteCurrencyOf(bc.MarketSymbol), getEnvFloat("PAPER_QUOTE_BALANCE", 10000))
	}
	return feed
}

// connectivityProbe exercises the venue round trip before trading:
// fetch a ticker, 5 OHLCV bars, and the balance (credential decryption
// lives behind the exchange adapter's construction). Any failure is
// classified and recorded as an auth failure.
func connectivityProbe(ctx context.Context, ex Exchange, bc *BotContext, reporter *HealthReporter) error {
	if _, err := ex.FetchTicker(ctx, bc.MarketSymbol); err != nil {
		reporter.MarkAuthFail(classify(err).String())
		return fmt.Errorf("ticker probe: %w", err)
	}
	if _, err := ex.FetchOHLCV(ctx, bc.MarketSymbol, bc.Strategy.Timeframe, 5); err != nil {
		reporter.MarkAuthFail(classify(err).String())
		return fmt.Errorf("ohlcv probe: %w", err)
	}
	if _, err := ex.FetchBalance(ctx); err != nil {
		reporter.MarkAuthFail(classify(err).String())
		return fmt.Errorf("balance probe: %w", err)
	}
	reporter.MarkAuthOK()
	return nil
}

// startupGate refuses to start a bot whose controls or subscription
// say it must not trade.
func startupGate(bc *BotContext) error {
	if !bc.SubscriptionActive {
		return fmt.Errorf("subscription is not active")
	}
	if bc.Control.KillSwitch {
		return fmt.Errorf("kill switch is engaged")
	}
	if !bc.Control.TradingEnabled {
		return fmt.Errorf("trading is disabled for this bot")
	}
	if bc.Control.AdminOverride {
		return fmt.Errorf("admin override blocks startup")
	}
	return nil
}

// Bootstrap runs the eight-step sequence and returns everything wired
// for Run, or a *bootError describing which step failed.
func Bootstrap(ctx context.Context, botID string, persist *PersistenceClient, hcFailer HealthcheckFailer, log *zap.SugaredLogger) (*Bootstrapped, error) {
	ctxRow, err := persist.GetBotContext(ctx, botID)
	if err != nil {
		return nil, &bootError{"fetch_context", err}
	}
	bc := buildBotContext(ctxRow)
	if bc.BotID == "" {
		bc.BotID = botID
	}

	tier := bc.Execution.Tier
	reporter := NewHealthReporter(bc.BotID, tier, persist, log)

	exchange := newExchangeForMode(bc)

	// Paper positions exist only in local state; there is no exchange of
	// record to reconcile, and paper entry rows carry no exchange order
	// ids for the identity check. Sync runs in live mode only.
	var syncSvc *ExchangeSyncService
	if bc.Mode != ModePaper {
		syncSvc = NewExchangeSyncService(bc.BotID, exchange, persist, reporter, log, bc.Strategy.Timeframe)
		if err := syncSvc.StartupSync(ctx); err != nil {
			if _, fatal := err.(*ExchangeSyncError); fatal {
				return nil, &bootError{"startup_sync", err}
			}
		}
	}

	if err := startupGate(bc); err != nil {
		return nil, &bootError{"startup_gate", err}
	}

	if err := connectivityProbe(ctx, exchange, bc, reporter); err != nil {
		return nil, &bootError{"connectivity_probe", err}
	}

	orders := NewOrderSubmitter(bc.BotID, exchange, reporter, log)
	state := NewPositionState()
	manager := NewPositionManager(state, exchange, orders, persist, reporter, log)

	if pos, err := persist.GetOpenPosition(ctx, bc.BotID); err == nil && len(pos) > 0 {
		hydratePositionState(state, pos)
	}

	scheduler := NewScheduler(bc.Execution.PollBase, bc.Execution.PollJitter, bc.Execution.PollMin)
	strategy := newDefaultStrategy()
	loop := NewLoop(bc, strategy, manager, syncSvc, persist, reporter, scheduler, log, hcFailer)

	return &Bootstrapped{
		BC:        bc,
		Manager:   manager,
		Sync:      syncSvc,
		Reporter:  reporter,
		Exchange:  exchange,
		Scheduler: scheduler,
		Loop:      loop,
	}, nil
}

// hydratePositionState restores an in-flight position found open on
// reconnect, so the loop resumes in IN_POSITION instead of re-entering.
func hydratePositionState(state *PositionState, pos PositionRow) {
	state.InPosition = true
	state.PositionID = asString(pos, "id")
	state.Direction = Direction(asString(pos, "direction"))
	state.EntryPrice = asFloat(pos, "entry_price")
	state.Qty = asFloat(pos, "qty")
	state.BaseNotional = asFloat(pos, "base_notional")
	state.StopPrice = asFloat(pos, "stop_price")
	state.TakeProfitPrice = asFloat(pos, "take_profit_price")
	state.TrailingStopPrice = asFloat(pos, "trailing_stop_price")
	state.TrailingActive = asBool(pos, "trailing_active")
	state.ATR = asFloat(pos, "atr")
	state.PeakPrice = state.EntryPrice
	state.LowPrice = state.EntryPrice
	if v, ok := pos["entry_time"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			state.EntryTime = t
		}
	}
}

func baseCurrencyOf(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' || symbol[i] == '-' {
			return symbol[:i]
		}
	}
	return symbol
}

// StartBackgroundWorkers launches the health-flush and
// position-sync-watcher goroutines. It returns immediately; both
// goroutines exit when ctx is cancelled.
func StartBackgroundWorkers(ctx context.Context, b *Bootstrapped) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Reporter.MaybeFlush(ctx)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		var sinceDiff time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := b.Manager.state.Snapshot()
				if !snap.InPosition {
					continue
				}
				if time.Since(sinceDiff) < 60*time.Second {
					continue
				}
				sinceDiff = time.Now()
				live, err := b.Exchange.FetchBalance(ctx)
				if err != nil {
					continue
				}
				base := baseCurrencyOf(b.BC.MarketSymbol)
				bal, ok := live[base]
				if !ok {
					continue
				}
				diff := bal.Total - snap.Qty
				if diff < 0 {
					diff = -diff
				}
				b.Reporter.RecordPositionSync(diff)
			}
		}
	}()
}
