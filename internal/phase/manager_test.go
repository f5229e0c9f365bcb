package phase

import (
	"context"
	"testing"
	"time"

	"execcore/internal/events"
	"execcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSaver struct {
	mock.Mock
}

func (m *mockSaver) SavePhaseState(ctx context.Context, equity float64, phase int) error {
	return m.Called(ctx, equity, phase).Error(0)
}

func defaultConfig() Config {
	return Config{
		Thresholds: []float64{5000, 50000},
		Tiers: []Tier{
			{Phase: 1, RiskPct: 0.10, MaxLeverage: 20, Strategies: []string{"scalp"}},
			{Phase: 2, RiskPct: 0.05, MaxLeverage: 5, Strategies: []string{"swing", "trend"}},
			{Phase: 3, RiskPct: 0.02, MaxLeverage: 2, Strategies: []string{"basis", "arb"}},
		},
		SourceMap: map[string]int{"Scavenger": 1, "hunter": 2, "sentinel": 3},
	}
}

func TestPhaseStepFunction(t *testing.T) {
	m, err := NewManager(defaultConfig(), nil, nil)
	require.NoError(t, err)

	cases := []struct {
		equity float64
		phase  int
	}{
		{0, 1}, {4999.99, 1}, {5000, 2}, {49999.99, 2}, {50000, 3}, {1e9, 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.phase, m.PhaseFor(tc.equity), "equity %.2f", tc.equity)
	}
}

func TestUndeterminedUntilFirstEquity(t *testing.T) {
	m, err := NewManager(defaultConfig(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, Undetermined, m.CurrentPhase())
	_, ok := m.RiskParameters()
	assert.False(t, ok)
	assert.False(t, m.ValidateSignal("scalp"))
}

func TestSetEquityEmitsTransitions(t *testing.T) {
	saver := new(mockSaver)
	saver.On("SavePhaseState", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8, events.TopicPhaseTransition)
	defer cancel()

	m, err := NewManager(defaultConfig(), saver, bus)
	require.NoError(t, err)
	fixed := time.Unix(1_700_000_000, 0)
	m.nowFn = func() time.Time { return fixed }

	tr, changed := m.SetEquity(context.Background(), 1000)
	require.True(t, changed)
	assert.Equal(t, types.PhaseTransition{OldPhase: 0, NewPhase: 1, EquityAtTransition: 1000, Timestamp: fixed}, tr)

	_, changed = m.SetEquity(context.Background(), 2000)
	assert.False(t, changed)

	tr, changed = m.SetEquity(context.Background(), 60000)
	require.True(t, changed)
	assert.Equal(t, 1, tr.OldPhase)
	assert.Equal(t, 3, tr.NewPhase)

	assert.Len(t, m.Transitions(), 2)
	assert.Len(t, ch, 2)
	saver.AssertNumberOfCalls(t, "SavePhaseState", 3)
	saver.AssertCalled(t, "SavePhaseState", mock.Anything, 60000.0, 3)
}

func TestRiskParametersAndStrategyGating(t *testing.T) {
	m, err := NewManager(defaultConfig(), nil, nil)
	require.NoError(t, err)

	m.SetEquity(context.Background(), 10000)
	rp, ok := m.RiskParameters()
	require.True(t, ok)
	assert.Equal(t, types.RiskParameters{RiskPct: 0.05, MaxLeverage: 5}, rp)
	assert.True(t, m.ValidateSignal("Swing"))
	assert.False(t, m.ValidateSignal("scalp"))

	m.SetEquity(context.Background(), 100)
	assert.True(t, m.ValidateSignal("scalp"))
}

func TestPhaseForSource(t *testing.T) {
	m, err := NewManager(defaultConfig(), nil, nil)
	require.NoError(t, err)
	p, ok := m.PhaseForSource("SCAVENGER")
	assert.True(t, ok)
	assert.Equal(t, 1, p)
	_, ok = m.PhaseForSource("oracle")
	assert.False(t, ok)
}

func TestNewManagerRejectsBadTables(t *testing.T) {
	cfg := defaultConfig()
	cfg.Thresholds = []float64{5000}
	_, err := NewManager(cfg, nil, nil)
	assert.Error(t, err)

	cfg = defaultConfig()
	cfg.Tiers[2].RiskPct = 0.5
	_, err = NewManager(cfg, nil, nil)
	assert.Error(t, err)

	cfg = defaultConfig()
	cfg.Thresholds = []float64{50000, 5000}
	_, err = NewManager(cfg, nil, nil)
	assert.Error(t, err)
}

func TestRestore(t *testing.T) {
	m, err := NewManager(defaultConfig(), nil, nil)
	require.NoError(t, err)
	m.Restore(7000, 2)
	assert.Equal(t, 2, m.CurrentPhase())
	_, changed := m.SetEquity(context.Background(), 7500)
	assert.False(t, changed)
}
