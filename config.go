// FILE: config.go
// Package main – BotContext, the four configuration bundles, hard-safety
// clamps, and the definition→profile→user→persisted merge. Bundle
// overrides layer through viper; process-level ambient knobs
// (SUPABASE_URL, POLLING_TIER, ...) stay on the getEnv* helpers in
// env.go.
package main

import (
	"strings"

	"github.com/spf13/viper"
)

// Mode is the bot's trading mode.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// PollingTier selects both the scheduler's minimum cadence and the
// health reporter's flush-interval table.
type PollingTier string

const (
	TierFast5s   PollingTier = "fast_5s"
	TierUltra15s PollingTier = "ultra_15s"
	TierFast30s  PollingTier = "fast_30s"
	TierStandard PollingTier = "standard"
)

// tierMinPoll is the minimum poll_interval (seconds) for each tier,
// enforced by normalizeExecutionConfig in addition to the global floor.
func tierMinPoll(t PollingTier) float64 {
	switch t {
	case TierFast5s:
		return 5
	case TierUltra15s:
		return 15
	case TierFast30s:
		return 30
	default:
		return 60
	}
}

// Hard-safety clamp constants, applied at normalize-time and re-applied
// on hot-reload.
const (
	MinPollSeconds     = 30.0
	MaxLeverage        = 25.0
	MaxAllocationFrac  = 0.5
	MaxTradesPerWeek   = 50
	MinNotionalUSD     = 5.0
	MaxSlippageBps     = 200.0
	MaxPyramidLevels   = 5
	MaxLookbackBars    = 2000
)

// StrategyConfig bundles the parameters the dynamic strategy expression
// evaluator consumes plus the core's own entry/warmup gates.
type StrategyConfig struct {
	StrategyKey    string
	Timeframe      string
	LookbackBars   int
	MinBars        int
	SLAtrMult      float64
	TPAtrMult      float64
	TrailStartR    float64
	TrailAtrMult   float64
}

// RiskConfig bundles sizing and pyramiding parameters.
type RiskConfig struct {
	Leverage          float64
	AllocationFrac    float64
	MaxTradesPerWeek  int
	MinNotionalUSD    float64
	PyramidingEnabled bool
	MaxPyramidLevels  int
	PyramidStep       float64
	PyramidAddFrac    float64
}

// ExecutionConfig bundles order-submission and polling parameters.
type ExecutionConfig struct {
	MaxSlippageBps float64
	PollBase       float64
	PollJitter     float64
	PollMin        float64
	Tier           PollingTier
}

// ControlConfig bundles the operational controls refreshed over
// bot_runtime_refresh_controls.
type ControlConfig struct {
	KillSwitch      bool
	TradingEnabled  bool
	PauseRequested  bool
	AdminOverride   bool
}

// BotContext is the immutable-at-boot identity plus live configuration.
// Fields not needed by core logic (e.g. the encrypted credential blob)
// are kept opaque.
type BotContext struct {
	BotID               string
	UserID              string
	Name                string
	StrategyKey         string
	Mode                Mode
	DryRun              bool
	SubscriptionActive  bool
	ExchangeID          string
	MarketSymbol        string
	EncryptedCredential string

	Strategy  StrategyConfig
	Risk      RiskConfig
	Execution ExecutionConfig
	Control   ControlConfig
}

// configLayer is one override layer in the definition→profile→user→
// persisted merge. A zero value for any field means "no override at this
// layer" — resolveConfig only overwrites fields the layer actually sets,
// via the Apply* methods below, mirroring viper's own layered-config
// idiom (AutomaticEnv binds sit "on top of" file-sourced defaults).
type configLayer struct {
	Strategy  *StrategyConfig
	Risk      *RiskConfig
	Execution *ExecutionConfig
}

// definitionDefaults returns the strategy-definition baked-in defaults —
// the lowest-priority layer.
func definitionDefaults() configLayer {
	return configLayer{
		Strategy: &StrategyConfig{
			Timeframe:    "1h",
			LookbackBars: 200,
			MinBars:      30,
			SLAtrMult:    1.5,
			TPAtrMult:    3.0,
			TrailStartR:  1.0,
			TrailAtrMult: 1.0,
		},
		Risk: &RiskConfig{
			Leverage:          1.0,
			AllocationFrac:    0.1,
			MaxTradesPerWeek:  10,
			MinNotionalUSD:    10,
			PyramidingEnabled: false,
			MaxPyramidLevels:  2,
			PyramidStep:       0.02,
			PyramidAddFrac:    0.5,
		},
		Execution: &ExecutionConfig{
			MaxSlippageBps: 50,
			PollBase:       60,
			PollJitter:     5,
			PollMin:        MinPollSeconds,
			Tier:           TierStandard,
		},
	}
}

// loadEnvOverrides builds a configLayer from viper-bound environment
// variables. Only keys actually present in the environment are set on
// the returned pointers' fields, matching layered-override semantics —
// in practice for a single-process worker env vars serve as the "user"
// override layer (the "profile" and "persisted" layers arrive over the
// persistence RPCs in bootstrap.go/loop.go).
func loadEnvOverrides() configLayer {
	v := viper.New()
	v.SetEnvPrefix("BOT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	layer := configLayer{Strategy: &StrategyConfig{}, Risk: &RiskConfig{}, Execution: &ExecutionConfig{}}
	applied := false

	if tf := v.GetString("TIMEFRAME"); tf != "" {
		layer.Strategy.Timeframe = tf
		applied = true
	}
	if lb := v.GetInt("LOOKBACK_BARS"); lb != 0 {
		layer.Strategy.LookbackBars = lb
		applied = true
	}
	if lev := v.GetFloat64("LEVERAGE"); lev != 0 {
		layer.Risk.Leverage = lev
		applied = true
	}
	if af := v.GetFloat64("ALLOCATION_FRAC"); af != 0 {
		layer.Risk.AllocationFrac = af
		applied = true
	}
	if tier := v.GetString("POLLING_TIER"); tier != "" {
		layer.Execution.Tier = PollingTier(tier)
		applied = true
	}
	if !applied {
		return configLayer{}
	}
	return layer
}

// mergeLayer overlays a non-nil layer's non-zero fields onto base,
// field-by-field; an unset override never clobbers a lower layer's
// value.
func mergeLayer(base, override configLayer) configLayer {
	if override.Strategy != nil {
		if base.Strategy == nil {
			base.Strategy = &StrategyConfig{}
		}
		s := override.Strategy
		if s.Timeframe != "" {
			base.Strategy.Timeframe = s.Timeframe
		}
		if s.LookbackBars != 0 {
			base.Strategy.LookbackBars = s.LookbackBars
		}
		if s.MinBars != 0 {
			base.Strategy.MinBars = s.MinBars
		}
		if s.SLAtrMult != 0 {
			base.Strategy.SLAtrMult = s.SLAtrMult
		}
		if s.TPAtrMult != 0 {
			base.Strategy.TPAtrMult = s.TPAtrMult
		}
		if s.TrailStartR != 0 {
			base.Strategy.TrailStartR = s.TrailStartR
		}
		if s.TrailAtrMult != 0 {
			base.Strategy.TrailAtrMult = s.TrailAtrMult
		}
	}
	if override.Risk != nil {
		if base.Risk == nil {
			base.Risk = &RiskConfig{}
		}
		r := override.Risk
		if r.Leverage != 0 {
			base.Risk.Leverage = r.Leverage
		}
		if r.AllocationFrac != 0 {
			base.Risk.AllocationFrac = r.AllocationFrac
		}
		if r.MaxTradesPerWeek != 0 {
			base.Risk.MaxTradesPerWeek = r.MaxTradesPerWeek
		}
		if r.MinNotionalUSD != 0 {
			base.Risk.MinNotionalUSD = r.MinNotionalUSD
		}
		base.Risk.PyramidingEnabled = base.Risk.PyramidingEnabled || r.PyramidingEnabled
		if r.MaxPyramidLevels != 0 {
			base.Risk.MaxPyramidLevels = r.MaxPyramidLevels
		}
		if r.PyramidStep != 0 {
			base.Risk.PyramidStep = r.PyramidStep
		}
		if r.PyramidAddFrac != 0 {
			base.Risk.PyramidAddFrac = r.PyramidAddFrac
		}
	}
	if override.Execution != nil {
		if base.Execution == nil {
			base.Execution = &ExecutionConfig{}
		}
		e := override.Execution
		if e.MaxSlippageBps != 0 {
			base.Execution.MaxSlippageBps = e.MaxSlippageBps
		}
		if e.PollBase != 0 {
			base.Execution.PollBase = e.PollBase
		}
		if e.PollJitter != 0 {
			base.Execution.PollJitter = e.PollJitter
		}
		if e.PollMin != 0 {
			base.Execution.PollMin = e.PollMin
		}
		if e.Tier != "" {
			base.Execution.Tier = e.Tier
		}
	}
	return base
}

// resolveConfig merges definition defaults → profile overrides → user
// overrides → persisted overrides (in that order, each one free to
// override the last) and normalizes the result with the hard-safety
// clamps.
func resolveConfig(profile, user, persisted configLayer) (StrategyConfig, RiskConfig, ExecutionConfig) {
	merged := definitionDefaults()
	merged = mergeLayer(merged, profile)
	merged = mergeLayer(merged, user)
	merged = mergeLayer(merged, persisted)
	return normalizeStrategy(*merged.Strategy), normalizeRisk(*merged.Risk), normalizeExecution(*merged.Execution)
}

func normalizeStrategy(s StrategyConfig) StrategyConfig {
	if s.LookbackBars > MaxLookbackBars {
		s.LookbackBars = MaxLookbackBars
	}
	if s.LookbackBars <= 0 {
		s.LookbackBars = 200
	}
	if s.MinBars <= 0 {
		s.MinBars = 1
	}
	return s
}

func normalizeRisk(r RiskConfig) RiskConfig {
	if r.Leverage < 1.0 {
		r.Leverage = 1.0
	}
	if r.Leverage > MaxLeverage {
		r.Leverage = MaxLeverage
	}
	if r.AllocationFrac < 0.05 {
		r.AllocationFrac = 0.05
	}
	if r.AllocationFrac > MaxAllocationFrac {
		r.AllocationFrac = MaxAllocationFrac
	}
	if r.MaxTradesPerWeek > MaxTradesPerWeek {
		r.MaxTradesPerWeek = MaxTradesPerWeek
	}
	if r.MaxTradesPerWeek <= 0 {
		r.MaxTradesPerWeek = 1
	}
	if r.MinNotionalUSD < MinNotionalUSD {
		r.MinNotionalUSD = MinNotionalUSD
	}
	if r.MaxPyramidLevels > MaxPyramidLevels {
		r.MaxPyramidLevels = MaxPyramidLevels
	}
	if r.MaxPyramidLevels < 0 {
		r.MaxPyramidLevels = 0
	}
	return r
}

func normalizeExecution(e ExecutionConfig) ExecutionConfig {
	if e.MaxSlippageBps > MaxSlippageBps {
		e.MaxSlippageBps = MaxSlippageBps
	}
	if e.MaxSlippageBps <= 0 {
		e.MaxSlippageBps = 10
	}
	if e.Tier == "" {
		e.Tier = TierStandard
	}
	floor := tierMinPoll(e.Tier)
	if floor < MinPollSeconds {
		floor = MinPollSeconds
	}
	if e.PollMin < floor {
		e.PollMin = floor
	}
	if e.PollBase < e.PollMin {
		e.PollBase = e.PollMin
	}
	if e.PollJitter < 0 {
		e.PollJitter = 0
	}
	return e
}

// applyDryRun coerces mode to paper when DryRun is set.
func (c *BotContext) applyDryRun() {
	if c.DryRun {
		c.Mode = ModePaper
	}
}
