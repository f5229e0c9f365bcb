package config

import "strings"

// Config is the root configuration of the execution core.
type Config struct {
	App       AppConfig       `toml:"app"`
	Store     StoreConfig     `toml:"store"`
	Security  SecurityConfig  `toml:"security"`
	Intake    IntakeConfig    `toml:"intake"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Phase     PhaseConfig     `toml:"phase"`
	Execution ExecutionConfig `toml:"execution"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Risk      RiskConfig      `toml:"risk"`
	Brokers   BrokersConfig   `toml:"brokers"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	HTTPAddr  string `toml:"http_addr"`
	LogPath   string `toml:"log_path"`
}

// StoreConfig selects the persistence backend. Driver is "sqlite" or
// "postgres"; for sqlite Path is used when DSN is empty.
type StoreConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	Path   string `toml:"path"`
}

type SecurityConfig struct {
	HMACSecret              string   `toml:"hmac_secret"`
	RequireSignature        bool     `toml:"require_signature"`
	CommandToleranceSeconds int      `toml:"command_tolerance_seconds"`
	Operators               []string `toml:"operators"`
}

type IntakeConfig struct {
	StalenessMS    int `toml:"staleness_ms"`
	ReplayCapacity int `toml:"replay_capacity"`
}

type LedgerConfig struct {
	IntentTTLSeconds         int `toml:"intent_ttl_seconds"`
	ExpirySweepSeconds       int `toml:"expiry_sweep_seconds"`
	TerminalRetentionMinutes int `toml:"terminal_retention_minutes"`
	TradeHistoryCap          int `toml:"trade_history_cap"`
	MailboxSize              int `toml:"mailbox_size"`
	SignalIDRetentionHours   int `toml:"signal_id_retention_hours"`
	ActorIdleMinutes         int `toml:"actor_idle_minutes"`
}

// PhaseTier is the risk envelope of one phase.
type PhaseTier struct {
	Phase       int      `toml:"phase"`
	RiskPct     float64  `toml:"risk_pct"`
	MaxLeverage float64  `toml:"max_leverage"`
	Strategies  []string `toml:"strategies"`
}

// PhaseConfig holds the equity step function. Thresholds are ascending
// upper bounds: equity below Thresholds[0] is phase 1, below Thresholds[1]
// phase 2, and so on.
type PhaseConfig struct {
	Thresholds []float64      `toml:"thresholds"`
	Tiers      []PhaseTier    `toml:"tiers"`
	SourceMap  map[string]int `toml:"source_map"`
}

// HedgeConfig pairs a symbol with an opposite leg on another venue.
type HedgeConfig struct {
	Symbol      string `toml:"symbol"`
	Venue       string `toml:"venue"`
	HedgeSymbol string `toml:"hedge_symbol"`
}

type ExecutionConfig struct {
	PrimaryVenue       string        `toml:"primary_venue"`
	ClipThresholdUSD   float64       `toml:"clip_threshold_usd"`
	ClipCapUSD         float64       `toml:"clip_cap_usd"`
	ClipIntervalMinSec int           `toml:"clip_interval_min_seconds"`
	ClipIntervalMaxSec int           `toml:"clip_interval_max_seconds"`
	MaxSlippagePct     float64       `toml:"max_slippage_pct"`
	LegTimeoutMS       int           `toml:"leg_timeout_ms"`
	RetryAttempts      int           `toml:"retry_attempts"`
	RetryBackoffMS     int           `toml:"retry_backoff_ms"`
	RateLimitPerSec    float64       `toml:"rate_limit_per_sec"`
	RateBurst          int           `toml:"rate_burst"`
	Hedges             []HedgeConfig `toml:"hedges"`
}

// HedgeFor returns the hedge leg configured for symbol, if any.
func (e ExecutionConfig) HedgeFor(symbol string) (HedgeConfig, bool) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	for _, h := range e.Hedges {
		if strings.ToUpper(strings.TrimSpace(h.Symbol)) == sym {
			return h, true
		}
	}
	return HedgeConfig{}, false
}

type ReconcileConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
}

type RiskConfig struct {
	MaxDrawdownPct      float64 `toml:"max_drawdown_pct"`
	EquityFloor         float64 `toml:"equity_floor"`
	ConsecutiveLosses   int     `toml:"consecutive_losses"`
	CooldownMinutes     int     `toml:"cooldown_minutes"`
	EquityPollSeconds   int     `toml:"equity_poll_seconds"`
	EquityMaxAgeSeconds int     `toml:"equity_max_age_seconds"`
	StartArmed          bool    `toml:"start_armed"`
}

type BrokersConfig struct {
	Paper   []PaperBrokerConfig `toml:"paper"`
	Binance BinanceConfig       `toml:"binance"`
}

// PaperBrokerConfig configures one in-memory venue.
type PaperBrokerConfig struct {
	Name           string             `toml:"name"`
	StartingEquity float64            `toml:"starting_equity"`
	SlippageBps    float64            `toml:"slippage_bps"`
	Prices         map[string]float64 `toml:"prices"`
}

type BinanceConfig struct {
	Enabled   bool   `toml:"enabled"`
	Name      string `toml:"name"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	Testnet   bool   `toml:"testnet"`
	// RESTBaseURL overrides the futures endpoint; empty uses the library's.
	RESTBaseURL       string           `toml:"rest_base_url"`
	ProxyURL          string           `toml:"proxy_url"`
	QuantityPrecision map[string]int32 `toml:"quantity_precision"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   int64  `toml:"chat_id"`
}

// keySet tracks which dotted paths were set explicitly in the config file.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes how a single field gets its default.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
