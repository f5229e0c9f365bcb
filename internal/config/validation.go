package config

import (
	"fmt"
	"sort"
	"strings"
)

func validate(c *Config) error {
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Security.validate(); err != nil {
		return err
	}
	if err := c.Phase.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Brokers.validate(c.Execution); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case "sqlite":
		if strings.TrimSpace(s.DSN) == "" && strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("store.path or store.dsn is required for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", s.Driver)
	}
	return nil
}

func (s *SecurityConfig) validate() error {
	if s.RequireSignature && strings.TrimSpace(s.HMACSecret) == "" {
		return fmt.Errorf("security.hmac_secret is required when require_signature is set")
	}
	return nil
}

func (p *PhaseConfig) validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("phase.tiers cannot be empty")
	}
	if len(p.Thresholds) != len(p.Tiers)-1 {
		return fmt.Errorf("phase.thresholds must have %d entries for %d tiers", len(p.Tiers)-1, len(p.Tiers))
	}
	if !sort.Float64sAreSorted(p.Thresholds) {
		return fmt.Errorf("phase.thresholds must be ascending")
	}
	for i := 1; i < len(p.Thresholds); i++ {
		if p.Thresholds[i] == p.Thresholds[i-1] {
			return fmt.Errorf("phase.thresholds must be strictly ascending")
		}
	}
	for i, tier := range p.Tiers {
		if tier.Phase != i+1 {
			return fmt.Errorf("phase.tiers[%d] must be phase %d", i, i+1)
		}
		if tier.RiskPct <= 0 || tier.RiskPct > 1 {
			return fmt.Errorf("phase.tiers[%d].risk_pct must be in (0,1]", i)
		}
		if tier.MaxLeverage <= 0 {
			return fmt.Errorf("phase.tiers[%d].max_leverage must be > 0", i)
		}
		if i > 0 {
			prev := p.Tiers[i-1]
			if tier.RiskPct >= prev.RiskPct || tier.MaxLeverage >= prev.MaxLeverage {
				return fmt.Errorf("phase.tiers must strictly decrease risk_pct and max_leverage (phase %d)", tier.Phase)
			}
		}
	}
	for src, phase := range p.SourceMap {
		if phase < 1 || phase > len(p.Tiers) {
			return fmt.Errorf("phase.source_map.%s points at unknown phase %d", src, phase)
		}
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	if e.ClipCapUSD > e.ClipThresholdUSD {
		return fmt.Errorf("execution.clip_cap_usd must not exceed clip_threshold_usd")
	}
	if e.ClipIntervalMaxSec < e.ClipIntervalMinSec {
		return fmt.Errorf("execution.clip_interval_max_seconds must be >= clip_interval_min_seconds")
	}
	if e.MaxSlippagePct >= 1 {
		return fmt.Errorf("execution.max_slippage_pct must be a fraction below 1")
	}
	for i, h := range e.Hedges {
		if strings.TrimSpace(h.Symbol) == "" || strings.TrimSpace(h.Venue) == "" {
			return fmt.Errorf("execution.hedges[%d] requires symbol and venue", i)
		}
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct >= 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0,1)")
	}
	if r.EquityFloor < 0 {
		return fmt.Errorf("risk.equity_floor must be >= 0")
	}
	return nil
}

func (b *BrokersConfig) validate(exec ExecutionConfig) error {
	names := make(map[string]struct{})
	for _, p := range b.Paper {
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("brokers.paper has duplicate venue %q", p.Name)
		}
		names[p.Name] = struct{}{}
	}
	if b.Binance.Enabled {
		if strings.TrimSpace(b.Binance.APIKey) == "" || strings.TrimSpace(b.Binance.APISecret) == "" {
			return fmt.Errorf("brokers.binance requires api_key and api_secret")
		}
		if _, dup := names[b.Binance.Name]; dup {
			return fmt.Errorf("brokers.binance name %q collides with a paper venue", b.Binance.Name)
		}
		names[b.Binance.Name] = struct{}{}
	}
	if _, ok := names[exec.PrimaryVenue]; !ok {
		return fmt.Errorf("execution.primary_venue %q is not a configured broker", exec.PrimaryVenue)
	}
	for _, h := range exec.Hedges {
		if _, ok := names[h.Venue]; !ok {
			return fmt.Errorf("execution.hedges venue %q is not a configured broker", h.Venue)
		}
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if !n.Telegram.Enabled {
		return nil
	}
	if strings.TrimSpace(n.Telegram.BotToken) == "" {
		return fmt.Errorf("notify.telegram.bot_token cannot be empty when enabled")
	}
	if n.Telegram.ChatID == 0 {
		return fmt.Errorf("notify.telegram.chat_id cannot be empty when enabled")
	}
	return nil
}
