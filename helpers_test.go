// FILE: helpers_test.go
// Shared fakes for the worker's unit tests: a spy Exchange, a spy
// HealthSink, a scripted Strategy, and an httptest-backed persistence
// client so the RPC layer's JSON shapes get exercised too.
package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type createdOrder struct {
	Symbol     string
	Type       OrderType
	Side       OrderSide
	Qty        float64
	Params     OrderParams
}

// spyExchange tracks calls for testing.
type spyExchange struct {
	mu sync.Mutex

	ticker    Ticker
	tickerErr error

	candles   []Candle
	ohlcvErr  error

	balance    map[string]Balance
	balanceErr error

	order     Order
	createErr error
	created   []createdOrder

	fetchedOrder  Order
	fetchOrderErr error

	position *ExchangePosition
	posErr   error

	closed    ClosedPnL
	closedErr error
}

func (s *spyExchange) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	return s.ticker, s.tickerErr
}

func (s *spyExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return s.candles, s.ohlcvErr
}

func (s *spyExchange) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	return s.balance, s.balanceErr
}

func (s *spyExchange) CreateOrder(ctx context.Context, symbol string, orderType OrderType, side OrderSide, qty float64, params OrderParams) (Order, error) {
	s.mu.Lock()
	s.created = append(s.created, createdOrder{Symbol: symbol, Type: orderType, Side: side, Qty: qty, Params: params})
	s.mu.Unlock()
	if s.createErr != nil {
		return Order{}, s.createErr
	}
	return s.order, nil
}

func (s *spyExchange) FetchOrderByID(ctx context.Context, symbol, orderID string) (Order, error) {
	return s.fetchedOrder, s.fetchOrderErr
}

func (s *spyExchange) FetchPositionForSymbol(ctx context.Context, symbol string) (*ExchangePosition, error) {
	return s.position, s.posErr
}

func (s *spyExchange) FetchClosedPnLSince(ctx context.Context, symbol string, sinceMs int64) (ClosedPnL, error) {
	return s.closed, s.closedErr
}

func (s *spyExchange) createdOrders() []createdOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]createdOrder, len(s.created))
	copy(out, s.created)
	return out
}

// spySink records flushed health patches and can be told to fail.
type spySink struct {
	mu      sync.Mutex
	fail    bool
	patches []map[string]any
}

func (f *spySink) UpsertHealthEvidence(ctx context.Context, botID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errTestSink
	}
	cp := make(map[string]any, len(patch))
	for k, v := range patch {
		cp[k] = v
	}
	f.patches = append(f.patches, cp)
	return nil
}

func (f *spySink) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *spySink) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

func (f *spySink) lastPatch() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.patches) == 0 {
		return nil
	}
	return f.patches[len(f.patches)-1]
}

var errTestSink = &KindError{Kind: KindDBTimeout, Msg: "db timeout: sink down"}

// scriptedStrategy returns a constant atr column and fixed signals.
type scriptedStrategy struct {
	atr        float64
	long       bool
	short      bool
	prepareErr error
}

func (s *scriptedStrategy) Prepare(candles []Candle) (Frame, error) {
	if s.prepareErr != nil {
		return Frame{}, s.prepareErr
	}
	f := NewFrame(candles)
	atr := make([]float64, len(candles))
	for i := range atr {
		atr[i] = s.atr
	}
	return f.WithColumn("atr", atr), nil
}

func (s *scriptedStrategy) LongSignal(f Frame, row int) bool  { return s.long && row == f.Len()-1 }
func (s *scriptedStrategy) ShortSignal(f Frame, row int) bool { return s.short && row == f.Len()-1 }

// rpcCall is one recorded persistence RPC invocation.
type rpcCall struct {
	RPC  string
	Body map[string]any
}

// rpcRecorder is an httptest handler that records every RPC and serves
// canned responses per RPC name.
type rpcRecorder struct {
	mu        sync.Mutex
	calls     []rpcCall
	responses map[string]string
}

func newRPCRecorder() *rpcRecorder {
	return &rpcRecorder{responses: map[string]string{}}
}

func (r *rpcRecorder) respond(rpc, body string) { r.responses[rpc] = body }

func (r *rpcRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rpc := req.URL.Path[len("/rest/v1/rpc/"):]
	raw, _ := io.ReadAll(req.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	r.mu.Lock()
	r.calls = append(r.calls, rpcCall{RPC: rpc, Body: body})
	resp, ok := r.responses[rpc]
	r.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		resp = "{}"
	}
	_, _ = w.Write([]byte(resp))
}

func (r *rpcRecorder) callsFor(rpc string) []rpcCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rpcCall
	for _, c := range r.calls {
		if c.RPC == rpc {
			out = append(out, c)
		}
	}
	return out
}

// newTestPersistence spins an httptest server around rec and returns a
// client pointed at it.
func newTestPersistence(t *testing.T, rec *rpcRecorder) *PersistenceClient {
	t.Helper()
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return &PersistenceClient{
		baseURL: srv.URL,
		apiKey:  "test-key",
		hc:      srv.Client(),
	}
}

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func hourlyCandles(t0 time.Time, closes ...float64) []Candle {
	out := make([]Candle, len(closes))
	for i, c := range closes {
		out[i] = Candle{
			Time:   t0.Add(time.Duration(i) * time.Hour),
			Open:   c,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 10,
		}
	}
	return out
}

// testBotContext builds a small live-mode BotContext most tests share.
func testBotContext() *BotContext {
	return &BotContext{
		BotID:              "bot-1",
		Name:               "test-bot",
		Mode:               ModeLive,
		SubscriptionActive: true,
		MarketSymbol:       "BTC/USD",
		Strategy: StrategyConfig{
			Timeframe:    "1h",
			LookbackBars: 100,
			MinBars:      3,
			SLAtrMult:    1.5,
			TPAtrMult:    3.0,
			TrailStartR:  1.0,
			TrailAtrMult: 1.0,
		},
		Risk: RiskConfig{
			Leverage:         1,
			AllocationFrac:   0.5,
			MaxTradesPerWeek: 5,
			MinNotionalUSD:   10,
		},
		Execution: ExecutionConfig{
			MaxSlippageBps: 50,
			PollBase:       60,
			PollJitter:     5,
			PollMin:        30,
			Tier:           TierStandard,
		},
		Control: ControlConfig{TradingEnabled: true},
	}
}
