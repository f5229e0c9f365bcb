package risk

import (
	"context"
	"sync"
	"time"

	"execcore/internal/gateway/broker"
	"execcore/internal/logger"
	"execcore/internal/types"
)

// EquityCache is the last equity reading with the time it was taken.
// Readers must check freshness instead of trusting the value.
type EquityCache struct {
	maxAge time.Duration
	nowFn  func() time.Time

	mu        sync.RWMutex
	value     float64
	updatedAt time.Time
}

func NewEquityCache(maxAge time.Duration) *EquityCache {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &EquityCache{maxAge: maxAge, nowFn: time.Now}
}

func (c *EquityCache) Set(v float64) {
	c.mu.Lock()
	c.value = v
	c.updatedAt = c.nowFn()
	c.mu.Unlock()
}

// Get returns the value and whether it is younger than the max age. A cache
// never written is never fresh.
func (c *EquityCache) Get() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.updatedAt.IsZero() {
		return 0, false
	}
	return c.value, c.nowFn().Sub(c.updatedAt) <= c.maxAge
}

func (c *EquityCache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// Fresh returns the equity or an EQUITY_STALE rejection.
func (c *EquityCache) Fresh() (float64, error) {
	v, ok := c.Get()
	if !ok {
		return 0, types.Reject(types.CodeEquityStale, "equity last updated %s", c.UpdatedAt().Format(time.RFC3339))
	}
	return v, nil
}

type AccountSource interface {
	GetAccount(ctx context.Context) (broker.Account, error)
}

// PhaseSetter receives every equity reading.
type PhaseSetter interface {
	SetEquity(ctx context.Context, equity float64) (types.PhaseTransition, bool)
}

// Monitor polls account equity and fans it out to the cache, the phase
// manager and the breaker, in that order.
type Monitor struct {
	source   AccountSource
	cache    *EquityCache
	phase    PhaseSetter
	breaker  *Breaker
	interval time.Duration
}

func NewMonitor(source AccountSource, cache *EquityCache, phase PhaseSetter, breaker *Breaker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{source: source, cache: cache, phase: phase, breaker: breaker, interval: interval}
}

// Poll takes one reading. A failed read leaves the cache to go stale.
func (m *Monitor) Poll(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.interval)
	acct, err := m.source.GetAccount(reqCtx)
	cancel()
	if err != nil {
		logger.Warnf("risk: equity poll failed: %v", err)
		return err
	}
	m.cache.Set(acct.Equity)
	if m.phase != nil {
		if tr, changed := m.phase.SetEquity(ctx, acct.Equity); changed {
			logger.Infof("risk: phase %d -> %d at equity %.2f", tr.OldPhase, tr.NewPhase, tr.EquityAtTransition)
		}
	}
	if m.breaker != nil {
		m.breaker.CheckDrawdown(ctx, acct.Equity)
	}
	return nil
}

func (m *Monitor) Run(ctx context.Context) error {
	_ = m.Poll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = m.Poll(ctx)
		}
	}
}
