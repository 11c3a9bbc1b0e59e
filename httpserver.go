// FILE: httpserver.go
// Package main – the worker's external HTTP surface: /healthz for the
// supervisor, /metrics for Prometheus, /debug/state for operators.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server exposes the worker's external HTTP surface and doubles as the
// loop's HealthcheckFailer.
type Server struct {
	httpServer *http.Server
	manager    *PositionManager
	log        *zap.SugaredLogger
	healthy    atomic.Bool
}

// NewServer builds a Server bound to addr (":8080" shape) serving
// manager's position snapshot on /debug/state.
func NewServer(addr string, manager *PositionManager, log *zap.SugaredLogger) *Server {
	s := &Server{manager: manager, log: log}
	s.healthy.Store(true)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/debug/state", s.handleDebugState).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	if s.log != nil {
		s.log.Infow("TRACE http.listen", "addr", s.httpServer.Addr)
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Fail implements HealthcheckFailer: a fatal halt marks /healthz
// unhealthy so an external supervisor can alert and restart.
func (s *Server) Fail() {
	s.healthy.Store(false)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.healthy.Load() {
		http.Error(w, "halted", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

func (s *Server) handleDebugState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.manager == nil || s.manager.state == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{})
		return
	}
	_ = json.NewEncoder(w).Encode(s.manager.state.Snapshot())
}
