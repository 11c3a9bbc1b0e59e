// FILE: exchange_rest.go
// Package main – live Exchange adapter over a venue-fronting REST
// bridge.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RESTExchange talks to a venue-fronting HTTP bridge; the bridge owns
// the venue SDK and credential handling.
type RESTExchange struct {
	base string
	hc   *http.Client
}

// NewRESTExchange builds an adapter against baseURL.
func NewRESTExchange(baseURL string) *RESTExchange {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	return &RESTExchange{base: baseURL, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (r *RESTExchange) get(ctx context.Context, path string, q url.Values, out any) error {
	u := r.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return r.do(req, out)
}

func (r *RESTExchange) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, out)
}

func (r *RESTExchange) do(req *http.Request, out any) error {
	res, err := r.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("exchange %s %d: %s", req.URL.Path, res.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (r *RESTExchange) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	var out struct {
		Last  float64 `json:"last"`
		Close float64 `json:"close"`
	}
	if err := r.get(ctx, "/ticker/"+url.PathEscape(symbol), nil, &out); err != nil {
		return Ticker{}, err
	}
	return Ticker{Last: out.Last, Close: out.Close}, nil
}

func (r *RESTExchange) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", timeframe)
	q.Set("limit", fmt.Sprintf("%d", limit))
	var out []struct {
		Time   time.Time `json:"time"`
		Open   float64   `json:"open"`
		High   float64   `json:"high"`
		Low    float64   `json:"low"`
		Close  float64   `json:"close"`
		Volume float64   `json:"volume"`
	}
	if err := r.get(ctx, "/candles", q, &out); err != nil {
		return nil, err
	}
	candles := make([]Candle, len(out))
	for i, c := range out {
		candles[i] = Candle{Time: c.Time, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume}
	}
	return candles, nil
}

func (r *RESTExchange) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	var out map[string]Balance
	if err := r.get(ctx, "/balance", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RESTExchange) CreateOrder(ctx context.Context, symbol string, orderType OrderType, side OrderSide, qty float64, params OrderParams) (Order, error) {
	body := map[string]any{
		"symbol":          symbol,
		"type":            string(orderType),
		"side":             string(side),
		"qty":             qty,
		"client_order_id": params.ClientOrderID,
		"reduce_only":     params.ReduceOnly,
	}
	var out Order
	if err := r.post(ctx, "/order", body, &out); err != nil {
		return Order{}, err
	}
	return out, nil
}

func (r *RESTExchange) FetchOrderByID(ctx context.Context, symbol, orderID string) (Order, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	var out Order
	if err := r.get(ctx, "/order/"+url.PathEscape(orderID), q, &out); err != nil {
		return Order{}, err
	}
	return out, nil
}

func (r *RESTExchange) FetchPositionForSymbol(ctx context.Context, symbol string) (*ExchangePosition, error) {
	var list []ExchangePosition
	if err := r.get(ctx, "/positions", nil, &list); err == nil {
		for i := range list {
			if list[i].Symbol == symbol {
				return &list[i], nil
			}
		}
	}
	var single ExchangePosition
	q := url.Values{}
	q.Set("symbol", symbol)
	if err := r.get(ctx, "/position", q, &single); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "404") {
			return nil, nil
		}
		return nil, err
	}
	if single.Symbol == "" {
		return nil, nil
	}
	return &single, nil
}

func (r *RESTExchange) FetchClosedPnLSince(ctx context.Context, symbol string, sinceMs int64) (ClosedPnL, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("since_ms", fmt.Sprintf("%d", sinceMs))
	var out ClosedPnL
	if err := r.get(ctx, "/closed_pnl", q, &out); err != nil {
		return ClosedPnL{}, err
	}
	return out, nil
}
