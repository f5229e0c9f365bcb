// Package phase maps account equity onto a risk tier and decides which
// strategy families may trade in the active tier.
package phase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"execcore/internal/events"
	"execcore/internal/logger"
	"execcore/internal/pkg/decmath"
	"execcore/internal/types"
)

// Undetermined is the phase before the first equity observation.
const Undetermined = 0

const maxHistory = 100

// Tier is one row of the phase table.
type Tier struct {
	Phase       int
	RiskPct     float64
	MaxLeverage float64
	Strategies  []string
}

// Config is the equity step function plus the source mapping.
type Config struct {
	// Thresholds are ascending upper bounds; len(Thresholds) == len(Tiers)-1.
	Thresholds []float64
	Tiers      []Tier
	SourceMap  map[string]int
}

// StateSaver persists the phase-owned part of SystemState.
type StateSaver interface {
	SavePhaseState(ctx context.Context, equity float64, phase int) error
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg       Config
	saver     StateSaver
	publisher events.Publisher
	nowFn     func() time.Time

	mu      sync.RWMutex
	equity  float64
	current int
	history []types.PhaseTransition
}

func NewManager(cfg Config, saver StateSaver, publisher events.Publisher) (*Manager, error) {
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("phase: at least one tier is required")
	}
	if len(cfg.Thresholds) != len(cfg.Tiers)-1 {
		return nil, fmt.Errorf("phase: %d thresholds for %d tiers", len(cfg.Thresholds), len(cfg.Tiers))
	}
	if !sort.Float64sAreSorted(cfg.Thresholds) {
		return nil, fmt.Errorf("phase: thresholds must be ascending")
	}
	for i := 1; i < len(cfg.Tiers); i++ {
		if cfg.Tiers[i].RiskPct >= cfg.Tiers[i-1].RiskPct || cfg.Tiers[i].MaxLeverage >= cfg.Tiers[i-1].MaxLeverage {
			return nil, fmt.Errorf("phase: risk must strictly decrease with phase (tier %d)", cfg.Tiers[i].Phase)
		}
	}
	sources := make(map[string]int, len(cfg.SourceMap))
	for src, p := range cfg.SourceMap {
		sources[normalizeKey(src)] = p
	}
	cfg.SourceMap = sources
	return &Manager{
		cfg:       cfg,
		saver:     saver,
		publisher: publisher,
		nowFn:     time.Now,
	}, nil
}

// Restore seeds the phase from a persisted snapshot without emitting a
// transition. The next SetEquity recomputes it.
func (m *Manager) Restore(equity float64, phase int) {
	if phase < Undetermined || phase > len(m.cfg.Tiers) {
		return
	}
	m.mu.Lock()
	m.equity = equity
	m.current = phase
	m.mu.Unlock()
}

// PhaseFor is the step function: the first threshold the equity is below
// selects the tier.
func (m *Manager) PhaseFor(equity float64) int {
	for i, limit := range m.cfg.Thresholds {
		if decmath.LT(equity, limit) {
			return m.cfg.Tiers[i].Phase
		}
	}
	return m.cfg.Tiers[len(m.cfg.Tiers)-1].Phase
}

// SetEquity records a new equity observation and returns the transition if
// the phase changed.
func (m *Manager) SetEquity(ctx context.Context, equity float64) (types.PhaseTransition, bool) {
	next := m.PhaseFor(equity)

	m.mu.Lock()
	prev := m.current
	m.equity = equity
	changed := next != prev
	var tr types.PhaseTransition
	if changed {
		m.current = next
		tr = types.PhaseTransition{
			OldPhase:           prev,
			NewPhase:           next,
			EquityAtTransition: equity,
			Timestamp:          m.nowFn(),
		}
		m.history = append(m.history, tr)
		if len(m.history) > maxHistory {
			m.history = append([]types.PhaseTransition(nil), m.history[len(m.history)-maxHistory:]...)
		}
	}
	m.mu.Unlock()

	if m.saver != nil {
		if err := m.saver.SavePhaseState(ctx, equity, next); err != nil {
			logger.Warnf("phase: persist state failed: %v", err)
		}
	}
	if !changed {
		return types.PhaseTransition{}, false
	}
	logger.Infof("phase transition %d -> %d at equity %.2f", tr.OldPhase, tr.NewPhase, equity)
	if m.publisher != nil {
		m.publisher.Publish(events.TopicPhaseTransition, tr)
	}
	return tr, true
}

func (m *Manager) CurrentPhase() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) Equity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

// RiskParameters returns the limits of the current phase. ok is false while
// the phase is undetermined.
func (m *Manager) RiskParameters() (types.RiskParameters, bool) {
	tier, ok := m.currentTier()
	if !ok {
		return types.RiskParameters{}, false
	}
	return types.RiskParameters{RiskPct: tier.RiskPct, MaxLeverage: tier.MaxLeverage}, true
}

// ValidateSignal reports whether strategyType may trade in the current phase.
func (m *Manager) ValidateSignal(strategyType string) bool {
	tier, ok := m.currentTier()
	if !ok {
		return false
	}
	want := normalizeKey(strategyType)
	for _, s := range tier.Strategies {
		if normalizeKey(s) == want {
			return true
		}
	}
	return false
}

// PhaseForSource resolves the phase a signal source belongs to.
func (m *Manager) PhaseForSource(source string) (int, bool) {
	p, ok := m.cfg.SourceMap[normalizeKey(source)]
	return p, ok
}

// Transitions returns a copy of the recent transition history.
func (m *Manager) Transitions() []types.PhaseTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.PhaseTransition(nil), m.history...)
}

func (m *Manager) currentTier() (Tier, bool) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur == Undetermined {
		return Tier{}, false
	}
	for _, t := range m.cfg.Tiers {
		if t.Phase == cur {
			return t, true
		}
	}
	return Tier{}, false
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
