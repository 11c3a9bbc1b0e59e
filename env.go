// FILE: env.go
// Package main – environment helpers and .env hydration for the worker.
//
// This file provides small helpers to read environment variables with
// sane defaults (strings, ints, floats, bools) and hydrates the process
// environment from a local .env file via godotenv before any of those
// helpers, viper, or the bootstrap sequence read it.
package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// hydrateEnv loads ./.env (and ../.env, for running from a cmd/ subdir)
// into the process environment. Existing environment variables always
// win; godotenv.Load never overrides a key that is already set.
func hydrateEnv() {
	for _, path := range []string{".env", "../.env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		_ = godotenv.Load(path)
	}
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// recognizedEnv documents the env vars the worker understands;
// bootstrap reads these via getEnv*/viper rather than this slice, which
// exists purely so a fresh reader can see the whole surface in one
// place.
var recognizedEnv = []string{
	"SUPABASE_URL", "SUPABASE_SERVICE_ROLE_KEY", "RUNTIME_TOKEN",
	"BOT_ENC_KEY", "FERNET_KEY",
	"POLLING_TIER",
	"SENTIMENT_SCORE",
	"NEW_RELIC_LICENSE_KEY", "NEW_RELIC_APP_NAME", "NEW_RELIC_LOG_API",
	"HEALTHCHECKS_API_KEY", "HEALTHCHECKS_API_BASE", "HEALTHCHECKS_CHANNELS", "HEALTHCHECKS_GRACE_SECONDS",
	"SUPPORT_EMAIL",
	"BOT_ID",
	"EXCHANGE_BRIDGE_URL", "PAPER_QUOTE_BALANCE",
}
