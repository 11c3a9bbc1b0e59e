// FILE: manager.go
// Package main – position manager.
//
// The manage-open and try-open routines and the pyramiding loop. At most
// one exit fires per tick; at most one entry decision is made per new
// bar.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PositionManager owns the single process-wide PositionState and the
// collaborators needed to manage or open it. Only the loop goroutine
// calls its methods.
type PositionManager struct {
	state    *PositionState
	exchange Exchange
	orders   *OrderSubmitter
	persist  *PersistenceClient
	reporter *HealthReporter
	log      *zap.SugaredLogger
}

// NewPositionManager builds a manager around state, which the caller
// continues to own (e.g. for snapshotting from the health reporter).
func NewPositionManager(state *PositionState, exchange Exchange, orders *OrderSubmitter, persist *PersistenceClient, reporter *HealthReporter, log *zap.SugaredLogger) *PositionManager {
	return &PositionManager{state: state, exchange: exchange, orders: orders, persist: persist, reporter: reporter, log: log}
}

func timeframeSeconds(tf string) float64 {
	tf = strings.ToLower(strings.TrimSpace(tf))
	if tf == "" {
		return 60
	}
	unit := tf[len(tf)-1:]
	var value float64
	if _, err := fmt.Sscanf(tf[:len(tf)-1], "%f", &value); err != nil {
		return 60
	}
	switch unit {
	case "m":
		return value * 60
	case "h":
		return value * 3600
	case "d":
		return value * 86400
	case "w":
		return value * 604800
	default:
		return 60
	}
}

func (m *PositionManager) persistState(ctx context.Context, botID string, payload map[string]any) {
	if _, err := m.persist.UpsertPosition(ctx, botID, payload); err != nil {
		if m.reporter != nil {
			m.reporter.RecordDBError(classify(err).String())
		}
		if m.log != nil {
			m.log.Warnw("TRACE position.persist_failed", "err", err)
		}
		return
	}
	if m.reporter != nil {
		m.reporter.RecordDBOK()
	}
}

// positionPayload builds the bot_positions row shape the sync service
// later reads back: symbol/direction/position_side plus the entry
// order identity it validates.
func positionPayload(state *PositionState, symbol string, entryOrderID, entryClientOrderID string) map[string]any {
	return map[string]any{
		"id":                      state.PositionID,
		"status":                  statusFor(state),
		"symbol":                  symbol,
		"direction":               string(state.Direction),
		"position_side":           string(state.Direction),
		"entry_exchange_order_id": entryOrderID,
		"entry_client_order_id":   entryClientOrderID,
		"entry_price":             state.EntryPrice,
		"entry_time":              state.EntryTime,
		"qty":                     state.Qty,
		"base_notional":           state.BaseNotional,
		"added_levels":            state.AddedLevels,
		"last_price":              state.LastPrice,
		"unrealized_pnl":          state.UnrealizedPnL,
		"stop_price":              state.StopPrice,
		"take_profit_price":       state.TakeProfitPrice,
		"trailing_stop_price":     state.TrailingStopPrice,
		"trailing_active":         state.TrailingActive,
		"atr":                     state.ATR,
	}
}

func statusFor(state *PositionState) string {
	if state.InPosition {
		return "open"
	}
	return "closed"
}

// ManageOpenPosition updates marks, evaluates exits, and, absent an
// exit, evaluates pyramiding.
func (m *PositionManager) ManageOpenPosition(ctx context.Context, bc *BotContext, strategy Strategy) error {
	if !m.state.InPosition {
		return nil
	}
	symbol := bc.MarketSymbol

	ticker, err := m.exchange.FetchTicker(ctx, symbol)
	if err != nil {
		m.recordStreamIssue(err)
		return err
	}
	price := ticker.Last
	if price == 0 {
		price = ticker.Close
	}

	candles, err := m.exchange.FetchOHLCV(ctx, symbol, bc.Strategy.Timeframe, bc.Strategy.LookbackBars)
	if err != nil {
		m.recordStreamIssue(err)
		return err
	}
	frame, err := strategy.Prepare(candles)
	if err != nil {
		if m.reporter != nil {
			m.reporter.RecordIndicatorError(classify(err).String())
		}
		return err
	}
	if frame.Len() == 0 {
		return nil
	}
	atr, _ := frame.LastColumn("atr")

	m.state.updateUnrealized(price)
	m.state.ATR = atr
	m.updateStopAndTrail(bc.Strategy, atr, price)
	observePositionMetrics(m.state.Snapshot())

	reason := EvaluateExit(m.state, price, atr, bc.Strategy)
	if reason != ExitNone {
		return m.closePosition(ctx, bc, frame, price, reason)
	}

	return m.runPyramiding(ctx, bc, frame, price)
}

// updateStopAndTrail refreshes the persisted stop/take-profit/trailing
// levels so the row always carries current values for display,
// independent of EvaluateExit's own high-water-mark maintenance.
func (m *PositionManager) updateStopAndTrail(cfg StrategyConfig, atr, price float64) {
	sl := cfg.SLAtrMult * atr
	tp := cfg.TPAtrMult * atr
	wasActive := m.state.TrailingActive
	prevTrailingStop := m.state.TrailingStopPrice

	// Activation keys off the high-water mark, matching EvaluateExit's
	// sticky gate (updateUnrealized already ratcheted peak/low for this
	// tick's price).
	switch m.state.Direction {
	case DirectionLong:
		m.state.StopPrice = m.state.EntryPrice - sl
		m.state.TakeProfitPrice = m.state.EntryPrice + tp
		m.state.TrailingActive = atr > 0 && m.state.PeakPrice-m.state.EntryPrice >= cfg.TrailStartR*sl
		if m.state.TrailingActive {
			m.state.TrailingStopPrice = m.state.PeakPrice - cfg.TrailAtrMult*atr
		}
	case DirectionShort:
		m.state.StopPrice = m.state.EntryPrice + sl
		m.state.TakeProfitPrice = m.state.EntryPrice - tp
		m.state.TrailingActive = atr > 0 && m.state.LowPrice != 0 && m.state.EntryPrice-m.state.LowPrice >= cfg.TrailStartR*sl
		if m.state.TrailingActive {
			m.state.TrailingStopPrice = m.state.LowPrice + cfg.TrailAtrMult*atr
		}
	}

	if m.reporter != nil && (m.state.TrailingActive && (!wasActive || m.state.TrailingStopPrice != prevTrailingStop)) {
		m.reporter.RecordTrailingUpdate()
	}
}

func (m *PositionManager) closePosition(ctx context.Context, bc *BotContext, frame Frame, price float64, reason ExitReason) error {
	qty := m.state.Qty
	direction := m.state.Direction
	entry := m.state.EntryPrice
	positionID := m.state.PositionID

	expected := frame.Last().Close
	if expected == 0 {
		expected = price
	}

	order, clientOrderID, err := m.orders.Send(ctx, bc.MarketSymbol, direction.closingSide(), qty, isDryRun(bc), expected, bc.Execution.MaxSlippageBps, OrderTypeMarket, true, "exit")
	if err != nil {
		return err
	}

	exitPrice := price
	if order != nil && order.Average > 0 {
		exitPrice = order.Average
	}
	realizedPnL := computeRealizedPnL(exitPrice, entry, qty, direction)
	exitTime := time.Now().UTC()

	row := map[string]any{
		"id":                     positionID,
		"status":                 "closed",
		"exit_price":             exitPrice,
		"exit_time":              exitTime,
		"realized_pnl":           realizedPnL,
		"exit_client_order_id":   clientOrderID,
		"exit_exchange_order_id": orderID(order),
	}
	m.persistState(ctx, bc.BotID, row)

	if err := m.persist.UpsertTrade(ctx, bc.BotID, orderID(order), map[string]any{
		"position_id": positionID,
		"side":        string(direction.closingSide()),
		"price":       exitPrice,
		"qty":         qty,
		"pnl":         realizedPnL,
		"executed_at": exitTime,
		"reason":      string(reason),
	}); err != nil && m.reporter != nil {
		m.reporter.RecordDBError(classify(err).String())
	}

	if m.log != nil {
		m.log.Infow("TRACE position.exit", "reason", reason, "direction", direction, "exit_price", exitPrice, "pnl", realizedPnL)
	}

	observeExit(reason, direction, realizedPnL)
	m.state.resetAfterExit(exitTime, realizedPnL)
	observePositionMetrics(m.state.Snapshot())
	if m.reporter != nil {
		m.reporter.SetInPosition(false)
	}
	return nil
}

func (m *PositionManager) runPyramiding(ctx context.Context, bc *BotContext, frame Frame, price float64) error {
	var move float64
	if m.state.Direction == DirectionLong {
		move = (price - m.state.EntryPrice) / m.state.EntryPrice
	} else {
		move = (m.state.EntryPrice - price) / m.state.EntryPrice
	}

	expected := frame.Last().Close
	if expected == 0 {
		expected = price
	}

	for maybePyramid(bc.Risk, move, m.state.AddedLevels) {
		addNotional := pyramidAddNotional(m.state.BaseNotional, bc.Risk.PyramidAddFrac)
		addQty := computeQty(addNotional, price)
		if addQty <= 0 {
			break
		}

		order, clientOrderID, err := m.orders.Send(ctx, bc.MarketSymbol, m.state.Direction.openingSide(), addQty, isDryRun(bc), expected, bc.Execution.MaxSlippageBps, OrderTypeMarket, false, "pyramid")
		if err != nil {
			return err
		}

		m.state.Qty += addQty
		m.state.AddedLevels++

		if err := m.persist.UpsertTrade(ctx, bc.BotID, orderID(order), map[string]any{
			"position_id":      m.state.PositionID,
			"side":             string(m.state.Direction.openingSide()),
			"price":            price,
			"qty":              addQty,
			"executed_at":      time.Now().UTC(),
			"reason":           "pyramid",
			"client_order_id":  clientOrderID,
		}); err != nil && m.reporter != nil {
			m.reporter.RecordDBError(classify(err).String())
		}
		if m.log != nil {
			m.log.Infow("TRACE position.pyramid", "level", m.state.AddedLevels, "add_qty", addQty)
		}
	}

	m.persistState(ctx, bc.BotID, positionPayload(m.state, bc.MarketSymbol, "", ""))
	return nil
}

// TryOpenPosition makes one entry decision per new bar: week-trade-cap
// gate, signal check, notional gate, then submit.
func (m *PositionManager) TryOpenPosition(ctx context.Context, bc *BotContext, strategy Strategy) error {
	if m.state.InPosition {
		return nil
	}
	symbol := bc.MarketSymbol

	candles, err := m.exchange.FetchOHLCV(ctx, symbol, bc.Strategy.Timeframe, bc.Strategy.LookbackBars)
	if err != nil {
		m.recordStreamIssue(err)
		return err
	}
	frame, err := strategy.Prepare(candles)
	if err != nil {
		if m.reporter != nil {
			m.reporter.RecordIndicatorError(classify(err).String())
		}
		return err
	}
	if frame.Len() < bc.Strategy.MinBars {
		return nil
	}

	lastRow := frame.Len() - 1
	lastCandle := frame.Candle(lastRow)
	m.recordCandleMetrics(lastCandle, bc.Strategy.Timeframe)

	if !m.state.LastCandleTime.IsZero() && lastCandle.Time.Equal(m.state.LastCandleTime) {
		return nil
	}
	m.state.LastCandleTime = lastCandle.Time

	wk := weekKey(lastCandle.Time)
	if m.state.WeekTradeCounts[wk] >= bc.Risk.MaxTradesPerWeek {
		m.persistState(ctx, bc.BotID, positionPayload(m.state, symbol, "", ""))
		return nil
	}

	longOK := strategy.LongSignal(frame, lastRow)
	shortOK := strategy.ShortSignal(frame, lastRow)
	if m.reporter != nil {
		m.reporter.RecordDecision()
	}
	switch {
	case longOK:
		mtxDecisions.WithLabelValues("long").Inc()
	case shortOK:
		mtxDecisions.WithLabelValues("short").Inc()
	default:
		mtxDecisions.WithLabelValues("flat").Inc()
	}
	if !longOK && !shortOK {
		m.persistState(ctx, bc.BotID, positionPayload(m.state, symbol, "", ""))
		return nil
	}

	balances, err := m.exchange.FetchBalance(ctx)
	if err != nil {
		m.recordStreamIssue(err)
		return err
	}
	quoteCurrency := quoteCurrencyOf(symbol)
	notional := computeNotional(balances[quoteCurrency].Total, bc.Risk.AllocationFrac, bc.Risk.Leverage)
	if notional < bc.Risk.MinNotionalUSD {
		m.persistState(ctx, bc.BotID, positionPayload(m.state, symbol, "", ""))
		return nil
	}

	price := lastCandle.Close
	qty := computeQty(notional, price)
	direction := DirectionLong
	side := SideBuy
	if shortOK && !longOK {
		direction = DirectionShort
		side = SideSell
	}

	order, clientOrderID, err := m.orders.Send(ctx, symbol, side, qty, isDryRun(bc), price, bc.Execution.MaxSlippageBps, OrderTypeMarket, false, "entry")
	if err != nil {
		return err
	}

	entryPrice := price
	if order != nil && order.Average > 0 {
		entryPrice = order.Average
	}

	m.state.InPosition = true
	m.state.Direction = direction
	m.state.EntryPrice = entryPrice
	m.state.EntryTime = lastCandle.Time
	m.state.Qty = qty
	m.state.BaseNotional = notional
	m.state.PeakPrice = entryPrice
	m.state.LowPrice = entryPrice
	m.state.AddedLevels = 0
	m.state.MaxUnrealized = 0
	m.state.MinUnrealized = 0
	if m.state.WeekTradeCounts == nil {
		m.state.WeekTradeCounts = map[string]int{}
	}
	m.state.WeekTradeCounts[wk]++

	positionID, err := m.persist.UpsertPosition(ctx, bc.BotID, positionPayload(m.state, symbol, orderID(order), clientOrderID))
	if err != nil {
		if m.reporter != nil {
			m.reporter.RecordDBError(classify(err).String())
		}
	} else if positionID.ID != "" {
		m.state.PositionID = positionID.ID
	}

	if err := m.persist.UpsertTrade(ctx, bc.BotID, orderID(order), map[string]any{
		"position_id": m.state.PositionID,
		"side":        string(side),
		"price":       entryPrice,
		"qty":         qty,
		"executed_at": lastCandle.Time,
		"reason":      "entry",
	}); err != nil && m.reporter != nil {
		m.reporter.RecordDBError(classify(err).String())
	}

	if m.log != nil {
		m.log.Infow("TRACE position.entry", "direction", direction, "price", entryPrice, "qty", qty, "notional", notional)
	}
	if m.reporter != nil {
		m.reporter.SetInPosition(true)
	}
	return nil
}

func (m *PositionManager) recordCandleMetrics(last Candle, timeframe string) {
	if m.reporter == nil {
		return
	}
	lagSec := time.Since(last.Time).Seconds()
	if lagSec < 0 {
		lagSec = 0
	}
	m.reporter.RecordCandleLag(lagSec)
	mtxCandleLag.Set(lagSec)

	if m.state.LastCandleTime.IsZero() {
		return
	}
	gap := last.Time.Sub(m.state.LastCandleTime).Seconds()
	if gap > timeframeSeconds(timeframe)*1.5 {
		m.reporter.RecordCandleGap()
	}
}

func (m *PositionManager) recordStreamIssue(err error) {
	if m.reporter == nil {
		return
	}
	msg := strings.ToLower(err.Error())
	for _, token := range []string{"timeout", "disconnect", "connection reset", "socket", "network", "reset"} {
		if strings.Contains(msg, token) {
			m.reporter.RecordStreamDisconnect()
			return
		}
	}
}

func isDryRun(bc *BotContext) bool {
	return bc.DryRun || bc.Mode == ModePaper
}

func orderID(o *Order) string {
	if o == nil {
		return ""
	}
	return o.ID
}

func quoteCurrencyOf(symbol string) string {
	if i := strings.IndexByte(symbol, '/'); i >= 0 {
		return symbol[i+1:]
	}
	if i := strings.IndexByte(symbol, '-'); i >= 0 {
		return symbol[i+1:]
	}
	return symbol
}
