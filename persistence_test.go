// FILE: persistence_test.go
package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortRetryDelays swaps the retry schedule for the duration of a test so
// retry paths finish in milliseconds.
func shortRetryDelays(t *testing.T) {
	t.Helper()
	saved := persistenceRetryDelays
	persistenceRetryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { persistenceRetryDelays = saved })
}

func TestCallSetsAuthHeaders(t *testing.T) {
	var gotAPIKey, gotAuth, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("apikey")
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.Header.Get("x-runtime-token")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := &PersistenceClient{baseURL: srv.URL, apiKey: "anon", serviceKey: "svc", runtimeTok: "rt", hc: srv.Client()}
	require.NoError(t, c.Heartbeat(context.Background(), "bot-1", map[string]any{"state": "idle"}))

	assert.Equal(t, "anon", gotAPIKey)
	assert.Equal(t, "Bearer svc", gotAuth)
	assert.Equal(t, "rt", gotToken)
}

func TestCallRetriesGatewayErrors(t *testing.T) {
	shortRetryDelays(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"pos-1"}`))
	}))
	defer srv.Close()

	c := &PersistenceClient{baseURL: srv.URL, hc: srv.Client()}
	out, err := c.UpsertPosition(context.Background(), "bot-1", map[string]any{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, "pos-1", out.ID)
	assert.Equal(t, int32(3), hits.Load())
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	shortRetryDelays(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`bad payload`))
	}))
	defer srv.Close()

	c := &PersistenceClient{baseURL: srv.URL, hc: srv.Client()}
	err := c.Heartbeat(context.Background(), "bot-1", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCallExhaustedRetriesClassifyAsDBTimeout(t *testing.T) {
	shortRetryDelays(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := &PersistenceClient{baseURL: srv.URL, hc: srv.Client()}
	err := c.Heartbeat(context.Background(), "bot-1", nil)
	require.Error(t, err)
	assert.Equal(t, KindDBTimeout, classify(err))
}

func TestRPCRequestShapes(t *testing.T) {
	rec := newRPCRecorder()
	rec.respond("bot_runtime_get_position", `{"id":"pos-1","status":"open"}`)
	c := newTestPersistence(t, rec)

	pos, err := c.GetOpenPosition(context.Background(), "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "pos-1", pos["id"])

	calls := rec.callsFor("bot_runtime_get_position")
	require.Len(t, calls, 1)
	assert.Equal(t, "bot-1", calls[0].Body["p_bot_id"])
	assert.Equal(t, "open", calls[0].Body["p_status"])

	require.NoError(t, c.UpsertTrade(context.Background(), "bot-1", "EX-1", map[string]any{"qty": 1}))
	trades := rec.callsFor("bot_runtime_upsert_trade")
	require.Len(t, trades, 1)
	assert.Equal(t, "EX-1", trades[0].Body["p_exchange_order_id"])

	require.NoError(t, c.UpsertHealthEvidence(context.Background(), "bot-1", map[string]any{"auth_ok": true}))
	health := rec.callsFor("upsert_bot_health_evidence")
	require.Len(t, health, 1)
	patch := health[0].Body["p_patch"].(map[string]any)
	assert.Equal(t, true, patch["auth_ok"])
}

func TestJitteredStaysWithinBand(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := jittered(time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
