// FILE: main.go
// Package main – program entrypoint.
//
// Boot sequence:
//   1) hydrateEnv()        – read .env (no shell exports required)
//   2) newLogger()         – zap SugaredLogger, JSON in prod
//   3) NewPersistenceClient() + Bootstrap()
//   4) start HTTP server (/healthz, /metrics, /debug/state)
//   5) start background workers (health flush, position-sync watch)
//   6) loop.Run(ctx) until signalled or halted
//
// Input: BOT_ID identifying the row to hydrate, read from the -bot-id
// flag or the BOT_ID environment variable.
//
// Exit codes: 0 on a clean stop (halt from too-many-errors, subscription
// inactive, kill switch, pause request); non-zero on unrecoverable
// bootstrap failure (unreadable credentials, fatal persistence RPC). The
// process is expected to be supervised and restarted externally.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	var botIDFlag string
	flag.StringVar(&botIDFlag, "bot-id", "", "bot id to hydrate (defaults to BOT_ID env var)")
	flag.Parse()

	hydrateEnv()
	log := newLogger()
	defer log.Sync()

	botID := botIDFlag
	if botID == "" {
		botID = getEnv("BOT_ID", "")
	}
	if botID == "" {
		log.Errorw("TRACE main.missing_bot_id")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	persist := NewPersistenceClient()

	addr := getEnv("PORT", "")
	if addr == "" {
		addr = "8080"
	}
	addr = ":" + addr

	srv := NewServer(addr, nil, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Errorw("TRACE main.http_server_failed", "err", err)
		}
	}()

	boot, err := Bootstrap(ctx, botID, persist, srv, log)
	if err != nil {
		log.Errorw("TRACE main.bootstrap_failed", "err", err)
		shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = srv.Shutdown(shutdownCtx)
		os.Exit(1)
	}
	srv.manager = boot.Manager

	log.Infow("TRACE main.bootstrapped", "bot_id", boot.BC.BotID, "mode", boot.BC.Mode, "symbol", boot.BC.MarketSymbol)

	StartBackgroundWorkers(ctx, boot)

	if err := boot.Loop.Run(ctx); err != nil {
		log.Errorw("TRACE main.loop_error", "err", err)
	}

	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}
