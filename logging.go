// FILE: logging.go
// Package main – structured logging, wired once in bootstrap and passed
// down explicitly (never a package-level implicit singleton).
package main

import (
	"go.uber.org/zap"
)

// newLogger builds the process-wide SugaredLogger. Production mode logs
// JSON to stdout; LOG_DEV=true switches to the human-friendly console
// encoder used while iterating locally.
func newLogger() *zap.SugaredLogger {
	var cfg zap.Config
	if getEnvBool("LOG_DEV", false) {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if lvl := getEnv("LOG_LEVEL", ""); lvl != "" {
		if parsed, err := zap.ParseAtomicLevel(lvl); err == nil {
			cfg.Level = parsed
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}
