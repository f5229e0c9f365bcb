package config

import (
	"strings"
)

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":9991"
	defaultStoreDriver       = "sqlite"
	defaultStorePath         = "data/execcore.db"
	defaultCommandTolerance  = 30
	defaultStalenessMS       = 5000
	defaultReplayCapacity    = 100000
	defaultIntentTTL         = 10
	defaultExpirySweep       = 1
	defaultTerminalRetention = 60
	defaultTradeHistoryCap   = 1000
	defaultMailboxSize       = 100
	defaultSignalIDRetention = 168
	defaultActorIdle         = 10
	defaultPrimaryVenue      = "paper"
	defaultClipThreshold     = 5000
	defaultClipCap           = 500
	defaultClipIntervalMin   = 30
	defaultClipIntervalMax   = 90
	defaultMaxSlippage       = 0.002
	defaultLegTimeoutMS      = 5000
	defaultRetryAttempts     = 3
	defaultRetryBackoffMS    = 200
	defaultRateLimit         = 10
	defaultRateBurst         = 5
	defaultReconcileInterval = 60
	defaultMaxDrawdown       = 0.15
	defaultConsecutiveLosses = 3
	defaultCooldownMinutes   = 30
	defaultEquityPoll        = 5
	defaultEquityMaxAge      = 30
	defaultPaperEquity       = 10000
)

// DefaultPhaseTiers is the canonical tier table.
func DefaultPhaseTiers() []PhaseTier {
	return []PhaseTier{
		{Phase: 1, RiskPct: 0.10, MaxLeverage: 20, Strategies: []string{"scalp"}},
		{Phase: 2, RiskPct: 0.05, MaxLeverage: 5, Strategies: []string{"swing", "trend"}},
		{Phase: 3, RiskPct: 0.02, MaxLeverage: 2, Strategies: []string{"basis", "arb"}},
	}
}

func DefaultPhaseThresholds() []float64 { return []float64{5000, 50000} }

func DefaultSourceMap() map[string]int {
	return map[string]int{"scavenger": 1, "hunter": 2, "sentinel": 3}
}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Security.applyDefaults(keys)
	c.Intake.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Phase.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Reconcile.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Brokers.applyDefaults(keys, c.Execution.PrimaryVenue)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("store.driver", &s.Driver, defaultStoreDriver),
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
}

func (s *SecurityConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("security.command_tolerance_seconds", &s.CommandToleranceSeconds, defaultCommandTolerance),
		boolFieldDefault("security.require_signature", &s.RequireSignature, true),
	)
}

func (i *IntakeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("intake.staleness_ms", &i.StalenessMS, defaultStalenessMS),
		intFieldDefault("intake.replay_capacity", &i.ReplayCapacity, defaultReplayCapacity),
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("ledger.intent_ttl_seconds", &l.IntentTTLSeconds, defaultIntentTTL),
		intFieldDefault("ledger.expiry_sweep_seconds", &l.ExpirySweepSeconds, defaultExpirySweep),
		intFieldDefault("ledger.terminal_retention_minutes", &l.TerminalRetentionMinutes, defaultTerminalRetention),
		intFieldDefault("ledger.trade_history_cap", &l.TradeHistoryCap, defaultTradeHistoryCap),
		intFieldDefault("ledger.mailbox_size", &l.MailboxSize, defaultMailboxSize),
		intFieldDefault("ledger.signal_id_retention_hours", &l.SignalIDRetentionHours, defaultSignalIDRetention),
		intFieldDefault("ledger.actor_idle_minutes", &l.ActorIdleMinutes, defaultActorIdle),
	)
}

func (p *PhaseConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "phase.thresholds",
			need:  func() bool { return len(p.Thresholds) == 0 },
			apply: func() { p.Thresholds = DefaultPhaseThresholds() },
		},
		fieldDefault{
			key:   "phase.tiers",
			need:  func() bool { return len(p.Tiers) == 0 },
			apply: func() { p.Tiers = DefaultPhaseTiers() },
		},
		fieldDefault{
			need:  func() bool { return len(p.SourceMap) == 0 },
			apply: func() { p.SourceMap = DefaultSourceMap() },
		},
	)
	normalized := make(map[string]int, len(p.SourceMap))
	for src, phase := range p.SourceMap {
		normalized[strings.ToLower(strings.TrimSpace(src))] = phase
	}
	p.SourceMap = normalized
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("execution.primary_venue", &e.PrimaryVenue, defaultPrimaryVenue),
		floatFieldDefault("execution.clip_threshold_usd", &e.ClipThresholdUSD, defaultClipThreshold),
		floatFieldDefault("execution.clip_cap_usd", &e.ClipCapUSD, defaultClipCap),
		intFieldDefault("execution.clip_interval_min_seconds", &e.ClipIntervalMinSec, defaultClipIntervalMin),
		intFieldDefault("execution.clip_interval_max_seconds", &e.ClipIntervalMaxSec, defaultClipIntervalMax),
		floatFieldDefault("execution.max_slippage_pct", &e.MaxSlippagePct, defaultMaxSlippage),
		intFieldDefault("execution.leg_timeout_ms", &e.LegTimeoutMS, defaultLegTimeoutMS),
		intFieldDefault("execution.retry_attempts", &e.RetryAttempts, defaultRetryAttempts),
		intFieldDefault("execution.retry_backoff_ms", &e.RetryBackoffMS, defaultRetryBackoffMS),
		floatFieldDefault("execution.rate_limit_per_sec", &e.RateLimitPerSec, defaultRateLimit),
		intFieldDefault("execution.rate_burst", &e.RateBurst, defaultRateBurst),
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("reconcile.enabled", &r.Enabled, true),
		intFieldDefault("reconcile.interval_seconds", &r.IntervalSeconds, defaultReconcileInterval),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("risk.max_drawdown_pct", &r.MaxDrawdownPct, defaultMaxDrawdown),
		intFieldDefault("risk.consecutive_losses", &r.ConsecutiveLosses, defaultConsecutiveLosses),
		intFieldDefault("risk.cooldown_minutes", &r.CooldownMinutes, defaultCooldownMinutes),
		intFieldDefault("risk.equity_poll_seconds", &r.EquityPollSeconds, defaultEquityPoll),
		intFieldDefault("risk.equity_max_age_seconds", &r.EquityMaxAgeSeconds, defaultEquityMaxAge),
		boolFieldDefault("risk.start_armed", &r.StartArmed, true),
	)
}

// applyDefaults gives a bare config one paper venue named after the primary
// venue so the process can start without exchange credentials.
func (b *BrokersConfig) applyDefaults(keys keySet, primary string) {
	if len(b.Paper) == 0 && !b.Binance.Enabled && !keys.isSet("brokers.paper") {
		b.Paper = []PaperBrokerConfig{{Name: primary}}
	}
	for i := range b.Paper {
		p := &b.Paper[i]
		if strings.TrimSpace(p.Name) == "" {
			p.Name = defaultPrimaryVenue
		}
		if p.StartingEquity <= 0 {
			p.StartingEquity = defaultPaperEquity
		}
	}
	if strings.TrimSpace(b.Binance.Name) == "" {
		b.Binance.Name = "binance"
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return target != nil && *target <= 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
