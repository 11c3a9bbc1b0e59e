// FILE: errors.go
// Package main – error taxonomy.
//
// Adapters beyond our control hand back plain error strings, so
// classification is substring matching — but centralized behind a single
// ErrorKind sum type instead of scattered through the loop body.
package main

import (
	"errors"
	"strings"
)

// ErrorKind is the tagged classification of a failure, populated at each
// adapter boundary (exchange, persistence, indicator/strategy).
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidAPIKey
	KindInsufficientBalance
	KindMinNotional
	KindRateLimit
	KindWebsocketTimeout
	KindPositionMismatch
	KindDBTimeout
	KindIndicatorError
	KindSlippageGuard
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidAPIKey:
		return "INVALID_API_KEY"
	case KindInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case KindMinNotional:
		return "MIN_NOTIONAL"
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindWebsocketTimeout:
		return "WEBSOCKET_TIMEOUT"
	case KindPositionMismatch:
		return "POSITION_MISMATCH"
	case KindDBTimeout:
		return "DB_TIMEOUT"
	case KindIndicatorError:
		return "INDICATOR_ERROR"
	case KindSlippageGuard:
		return "SLIPPAGE_GUARD"
	default:
		return "UNKNOWN_ERROR"
	}
}

// classify maps an error to its ErrorKind via case-insensitive substring
// matching against the error's message. Absent a match the default is
// KindUnknown.
func classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid api"):
		return KindInvalidAPIKey
	case strings.Contains(msg, "insufficient"):
		return KindInsufficientBalance
	case strings.Contains(msg, "min notional") || strings.Contains(msg, "min_notional"):
		return KindMinNotional
	case strings.Contains(msg, "rate limit"):
		return KindRateLimit
	case strings.Contains(msg, "websocket"):
		return KindWebsocketTimeout
	case strings.Contains(msg, "position mismatch"):
		return KindPositionMismatch
	case strings.Contains(msg, "db timeout"):
		return KindDBTimeout
	case strings.Contains(msg, "indicator"):
		return KindIndicatorError
	case strings.Contains(msg, "slippage"):
		return KindSlippageGuard
	case strings.Contains(msg, "timeout"):
		return KindDBTimeout
	default:
		return KindUnknown
	}
}

// KindError wraps an underlying error with an explicit, already-known
// ErrorKind so adapters that know exactly what went wrong (e.g. the
// slippage guard) don't have to round-trip through substring matching.
type KindError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *KindError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *KindError) Unwrap() error { return e.Err }

func newKindError(kind ErrorKind, msg string) *KindError {
	return &KindError{Kind: kind, Msg: msg}
}

// ExchangeSyncError is fatal for the loop: it aborts the current tick and
// drives the state machine into HALT.
type ExchangeSyncError struct {
	Reason string
	Err    error
}

func (e *ExchangeSyncError) Error() string {
	if e.Err != nil {
		return "exchange sync: " + e.Reason + ": " + e.Err.Error()
	}
	return "exchange sync: " + e.Reason
}

func (e *ExchangeSyncError) Unwrap() error { return e.Err }
