// FILE: orders.go
// Package main – order submitter.
//
// Client-order-id minting, the pre-trade slippage guard, and health
// accounting around every submission.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderSubmitter mints client-order-ids, enforces the slippage guard,
// and records health signals around every submission.
type OrderSubmitter struct {
	botID    string
	exchange Exchange
	reporter *HealthReporter
	log      *zap.SugaredLogger
}

// NewOrderSubmitter builds a submitter for botID routed through exchange.
func NewOrderSubmitter(botID string, exchange Exchange, reporter *HealthReporter, log *zap.SugaredLogger) *OrderSubmitter {
	return &OrderSubmitter{botID: botID, exchange: exchange, reporter: reporter, log: log}
}

// mintClientOrderID builds an idempotency key of the form
// <bot-id>-<10 hex chars>[-<purpose>].
func mintClientOrderID(botID, purpose string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
	if purpose == "" {
		return fmt.Sprintf("%s-%s", botID, hex)
	}
	return fmt.Sprintf("%s-%s-%s", botID, hex, purpose)
}

func slippageBps(live, expected float64) float64 {
	if expected <= 0 {
		return 0
	}
	diff := live - expected
	if diff < 0 {
		diff = -diff
	}
	return diff / expected * 10000
}

// Send submits a market order. purpose is an optional tag folded into
// the client-order-id (e.g. "entry", "exit", "pyramid"); pass "" for
// none. Returns the filled order (nil in dry-run), the minted
// client-order-id, and an error classified into an ErrorKind on failure.
func (s *OrderSubmitter) Send(ctx context.Context, symbol string, side OrderSide, qty float64, dryRun bool, expectedPrice, maxSlippageBps float64, orderType OrderType, reduceOnly bool, purpose string) (*Order, string, error) {
	if qty <= 0 {
		return nil, "", nil
	}
	clientOrderID := mintClientOrderID(s.botID, purpose)

	if dryRun {
		if s.log != nil {
			s.log.Infow("TRACE order.dry_run", "side", side, "qty", qty, "symbol", symbol, "client_order_id", clientOrderID)
		}
		if s.reporter != nil {
			s.reporter.RecordOrderSubmit()
		}
		mtxOrders.WithLabelValues("paper", string(side)).Inc()
		return nil, clientOrderID, nil
	}

	ticker, err := s.exchange.FetchTicker(ctx, symbol)
	if err != nil {
		if s.reporter != nil {
			s.reporter.RecordOrderReject(classify(err).String())
		}
		return nil, clientOrderID, err
	}
	live := ticker.Last
	if live == 0 {
		live = ticker.Close
	}
	slip := slippageBps(live, expectedPrice)
	if slip > maxSlippageBps {
		guardErr := newKindError(KindSlippageGuard, fmt.Sprintf(
			"slippage guard: live=%.8f expected=%.8f slip=%.1fbps > %.1fbps", live, expectedPrice, slip, maxSlippageBps))
		if s.reporter != nil {
			s.reporter.RecordOrderReject(KindSlippageGuard.String())
		}
		if s.log != nil {
			s.log.Warnw("TRACE order.slippage_guard", "side", side, "qty", qty, "symbol", symbol, "slip_bps", slip, "max_bps", maxSlippageBps)
		}
		return nil, clientOrderID, guardErr
	}

	if s.reporter != nil {
		s.reporter.RecordOrderSubmit()
	}
	start := time.Now()
	order, err := s.exchange.CreateOrder(ctx, symbol, orderType, side, qty, OrderParams{ClientOrderID: clientOrderID, ReduceOnly: reduceOnly})
	if err != nil {
		if s.reporter != nil {
			s.reporter.RecordOrderReject(classify(err).String())
		}
		return nil, clientOrderID, err
	}
	if s.log != nil {
		s.log.Infow("TRACE order.live", "side", side, "qty", qty, "symbol", symbol, "order_id", order.ID, "slip_bps", slip)
	}
	if s.reporter != nil {
		s.reporter.RecordOrderAck(float64(time.Since(start).Milliseconds()))
	}
	mtxOrders.WithLabelValues("live", string(side)).Inc()
	return &order, clientOrderID, nil
}
