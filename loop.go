// FILE: loop.go
// Package main – main trading loop and lifecycle state machine.
//
// A transient tick error is retried next tick; only a run of consecutive
// failures or a fatal ExchangeSyncError halts the loop.
package main

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoopState is one of the bot's six lifecycle states.
type LoopState string

const (
	StateInit            LoopState = "init"
	StateIdle            LoopState = "idle"
	StateWaitingForEntry LoopState = "waiting_for_entry"
	StateInPosition      LoopState = "in_position"
	StateCooldown        LoopState = "cooldown"
	StateHalt            LoopState = "halt"
)

const (
	controlRefreshInterval = 60 * time.Second
	controlRefreshPolls    = 20
	maxConsecutiveErrors   = 5
)

// HealthcheckFailer fails the external HTTP healthcheck so the
// supervisor alerts on a halt; httpserver.go's /healthz handler
// implements it.
type HealthcheckFailer interface {
	Fail()
}

// Loop owns the per-tick procedure and the lifecycle state machine.
type Loop struct {
	bc       *BotContext
	strategy Strategy
	manager  *PositionManager
	sync     *ExchangeSyncService
	persist  *PersistenceClient
	reporter *HealthReporter
	scheduler *Scheduler
	log      *zap.SugaredLogger
	hcFailer HealthcheckFailer

	state              LoopState
	consecErrors       int
	ticksSinceRefresh  int
	lastControlRefresh time.Time
}

// NewLoop builds a Loop ready to Run. The INIT state resolves itself
// on the first tick: into IN_POSITION when bootstrap hydrated an open
// position, WAITING_FOR_ENTRY otherwise, IDLE when paused.
func NewLoop(bc *BotContext, strategy Strategy, manager *PositionManager, syncSvc *ExchangeSyncService, persist *PersistenceClient, reporter *HealthReporter, scheduler *Scheduler, log *zap.SugaredLogger, hcFailer HealthcheckFailer) *Loop {
	return &Loop{
		bc:        bc,
		strategy:  strategy,
		manager:   manager,
		sync:      syncSvc,
		persist:   persist,
		reporter:  reporter,
		scheduler: scheduler,
		log:       log,
		hcFailer:  hcFailer,
		state:     StateInit,
	}
}

func pauseReason(bc *BotContext) string {
	if !bc.SubscriptionActive {
		return "subscription_inactive"
	}
	if bc.Control.KillSwitch {
		return "kill_switch"
	}
	if !bc.Control.TradingEnabled {
		return "trading_disabled"
	}
	if bc.Control.PauseRequested {
		return "pause_requested"
	}
	return ""
}

// Run drives the loop until ctx is cancelled or the state machine
// halts. It returns nil on a graceful shutdown and non-nil only when
// the caller should treat the exit as abnormal (halt, bootstrap-only
// fatal errors are handled by bootstrap itself).
func (l *Loop) Run(ctx context.Context) error {
	l.scheduler.startupStagger()
	l.writeEvent(ctx, "started", "loop entering run state")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		now := time.Now()
		tickErr := l.tick(ctx, now)
		l.afterTick(ctx, tickErr)

		observeState(l.state)
		if tickErr != nil && l.state != StateHalt {
			mtxLoopErrors.Inc()
		}

		if l.state == StateHalt {
			if l.log != nil {
				l.log.Errorw("TRACE loop.halt")
			}
			return nil
		}

		interval := l.scheduler.nextInterval(&l.bc.Execution.PollBase, &l.bc.Execution.PollJitter, &l.bc.Execution.PollMin)
		l.scheduler.sleepFor(interval, now)
	}
}

// afterTick applies the error policy to a finished tick:
// ExchangeSyncError halts immediately, any other error counts toward
// maxConsecutiveErrors, and a clean tick resets the counter.
func (l *Loop) afterTick(ctx context.Context, tickErr error) {
	if tickErr == nil {
		l.consecErrors = 0
		return
	}
	if _, fatal := tickErr.(*ExchangeSyncError); fatal {
		if l.log != nil {
			l.log.Errorw("TRACE loop.fatal_sync", "err", tickErr)
		}
		l.state = StateHalt
		return
	}
	l.consecErrors++
	l.writeEvent(ctx, "error", tickErr.Error())
	if l.reporter != nil {
		l.reporter.FlushNow("loop_error")
		if looksLikeRateLimit(tickErr) {
			l.reporter.RecordRateLimitHit()
		}
	}
	if l.log != nil {
		l.log.Errorw("TRACE loop.tick_error", "consec_errors", l.consecErrors, "err", tickErr)
	}
	if l.consecErrors >= maxConsecutiveErrors {
		l.writeEvent(ctx, "stopped", "too many consecutive errors")
		if l.hcFailer != nil {
			l.hcFailer.Fail()
		}
		l.state = StateHalt
	}
}

// tick runs one iteration: sync if due, refresh controls if due,
// apply pause transitions, run the state action, touch the heartbeat.
func (l *Loop) tick(ctx context.Context, now time.Time) error {
	if l.sync != nil {
		if err := l.sync.MaybeSync(ctx); err != nil {
			return err
		}
	}

	l.ticksSinceRefresh++
	if time.Since(l.lastControlRefresh) >= controlRefreshInterval || l.ticksSinceRefresh >= controlRefreshPolls {
		if err := l.refreshControls(ctx); err != nil {
			if l.log != nil {
				l.log.Warnw("TRACE loop.control_refresh_failed", "err", err)
			}
		}
		l.lastControlRefresh = now
		l.ticksSinceRefresh = 0
	}

	reason := pauseReason(l.bc)
	l.applyTransition(reason)

	var actionErr error
	switch l.state {
	case StateIdle:
		if l.manager != nil {
			actionErr = l.idleManage(ctx)
		}
	case StateWaitingForEntry:
		actionErr = l.manager.TryOpenPosition(ctx, l.bc, l.strategy)
		if l.inPosition() {
			l.state = StateInPosition
		}
	case StateInPosition:
		actionErr = l.manager.ManageOpenPosition(ctx, l.bc, l.strategy)
		if !l.inPosition() {
			l.state = StateCooldown
		}
	case StateCooldown:
		l.state = StateWaitingForEntry
	}
	if actionErr != nil {
		return actionErr
	}

	l.touchHeartbeat(ctx)
	return nil
}

func (l *Loop) idleManage(ctx context.Context) error {
	if l.inPosition() {
		return l.manager.ManageOpenPosition(ctx, l.bc, l.strategy)
	}
	return nil
}

func (l *Loop) inPosition() bool {
	return l.manager != nil && l.managerState().InPosition
}

func (l *Loop) managerState() PositionState {
	return l.manager.state.Snapshot()
}

// applyTransition runs the lifecycle state table, collapsing INIT into
// WAITING_FOR_ENTRY/IN_POSITION/IDLE on the very first tick.
func (l *Loop) applyTransition(reason string) {
	paused := reason != "" || !l.bc.Control.TradingEnabled

	if l.state == StateInit {
		switch {
		case paused:
			l.state = StateIdle
		case l.inPosition():
			l.state = StateInPosition
		default:
			l.state = StateWaitingForEntry
		}
		return
	}

	if paused {
		if l.state != StateIdle {
			l.writeEvent(context.Background(), "paused", reason)
			l.state = StateIdle
		}
		return
	}

	if l.state == StateIdle {
		if l.inPosition() {
			l.state = StateInPosition
		} else {
			l.state = StateWaitingForEntry
		}
	}
}

func (l *Loop) refreshControls(ctx context.Context) error {
	out, err := l.persist.RefreshControls(ctx, l.bc.BotID)
	if err != nil {
		return err
	}
	if cc := out.ControlConfig; cc != nil {
		if v, ok := cc["kill_switch"].(bool); ok {
			l.bc.Control.KillSwitch = v
		}
		if v, ok := cc["trading_enabled"].(bool); ok {
			l.bc.Control.TradingEnabled = v
		}
		if v, ok := cc["pause_requested"].(bool); ok {
			l.bc.Control.PauseRequested = v
		}
		if v, ok := cc["admin_override"].(bool); ok {
			l.bc.Control.AdminOverride = v
		}
	}
	if out.SubscriptionStatus != "" {
		wasActive := l.bc.SubscriptionActive
		l.bc.SubscriptionActive = out.SubscriptionStatus == "active"
		if wasActive && !l.bc.SubscriptionActive {
			l.writeEvent(ctx, "stopped_payment", "subscription no longer active")
		}
	}
	if ec := out.ExecutionConfig; ec != nil {
		persisted := configLayer{Execution: &ExecutionConfig{}}
		if v, ok := ec["max_slippage_bps"].(float64); ok {
			persisted.Execution.MaxSlippageBps = v
		}
		if v, ok := ec["poll_interval"].(float64); ok {
			persisted.Execution.PollBase = v
		}
		if v, ok := ec["poll_jitter"].(float64); ok {
			persisted.Execution.PollJitter = v
		}
		if v, ok := ec["polling_tier"].(string); ok {
			persisted.Execution.Tier = PollingTier(v)
		}
		merged := mergeLayer(configLayer{Execution: &l.bc.Execution}, persisted)
		l.bc.Execution = normalizeExecution(*merged.Execution)
		if l.reporter != nil {
			l.reporter.SetTier(l.bc.Execution.Tier)
		}
	}
	return nil
}

func (l *Loop) touchHeartbeat(ctx context.Context) {
	if err := l.persist.Heartbeat(ctx, l.bc.BotID, map[string]any{
		"state": string(l.state),
		"at":    time.Now().UTC(),
	}); err != nil && l.reporter != nil {
		l.reporter.RecordDBError(classify(err).String())
	}
}

func (l *Loop) writeEvent(ctx context.Context, kind, message string) {
	if err := l.persist.Notify(ctx, l.bc.BotID, "event", map[string]any{
		"type":    kind,
		"message": message,
		"at":      time.Now().UTC(),
	}); err != nil && l.log != nil {
		l.log.Warnw("TRACE loop.write_event_failed", "kind", kind, "err", err)
	}
}
