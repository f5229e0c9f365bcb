package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"execcore/internal/events"
	"execcore/internal/executor"
	"execcore/internal/gateway/broker"
	"execcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockFlattener struct {
	mock.Mock
}

func (m *mockFlattener) FlattenAll(ctx context.Context) executor.FlattenReport {
	args := m.Called(ctx)
	return args.Get(0).(executor.FlattenReport)
}

type mockStateStore struct {
	mock.Mock
}

func (m *mockStateStore) LoadSystemState(ctx context.Context) (types.SystemState, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.SystemState), args.Bool(1), args.Error(2)
}

func (m *mockStateStore) SaveRiskState(ctx context.Context, st types.SystemState) error {
	return m.Called(ctx, st).Error(0)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Record(ctx context.Context, typ types.SystemEventType, details map[string]any) types.SystemEvent {
	m.Called(ctx, typ, details)
	return types.SystemEvent{Type: typ}
}

func permissiveStore() *mockStateStore {
	st := new(mockStateStore)
	st.On("SaveRiskState", mock.Anything, mock.Anything).Return(nil).Maybe()
	return st
}

func permissiveRecorder() *mockRecorder {
	rec := new(mockRecorder)
	rec.On("Record", mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	return rec
}

func newBreaker(t *testing.T, cfg Config, fl Flattener) *Breaker {
	t.Helper()
	cfg.StartArmed = true
	return NewBreaker(cfg, fl, permissiveStore(), permissiveRecorder(), events.NewBus())
}

func TestDrawdownAtThresholdDoesNotTrip(t *testing.T) {
	fl := new(mockFlattener)
	b := newBreaker(t, Config{MaxDrawdownPct: 0.15}, fl)
	ctx := context.Background()

	assert.False(t, b.CheckDrawdown(ctx, 10000))
	assert.False(t, b.CheckDrawdown(ctx, 8500))
	fl.AssertNotCalled(t, "FlattenAll", mock.Anything)
	assert.NoError(t, b.AllowEntry())
}

func TestDrawdownPastThresholdTripsAndFlattensOnce(t *testing.T) {
	fl := new(mockFlattener)
	fl.On("FlattenAll", mock.Anything).Return(executor.FlattenReport{Closed: []string{"BTCUSDT"}}).Once()
	rec := new(mockRecorder)
	rec.On("Record", mock.Anything, types.EventCircuitBreakerTrip, mock.Anything).Return().Once()
	b := NewBreaker(Config{MaxDrawdownPct: 0.15, StartArmed: true}, fl, permissiveStore(), rec, events.NewBus())
	ctx := context.Background()

	b.CheckDrawdown(ctx, 10000)
	assert.True(t, b.CheckDrawdown(ctx, 8499))
	assert.True(t, b.CheckDrawdown(ctx, 8000))

	err := b.AllowEntry()
	assert.Equal(t, types.CodeCircuitBreakerTrip, types.CodeOf(err))
	st, state := b.State()
	assert.Equal(t, StateTripped, state)
	assert.True(t, st.CircuitBreakerTripped)
	assert.False(t, st.MasterArmEnabled)
	fl.AssertExpectations(t)
	rec.AssertExpectations(t)
}

func TestEquityFloorTrips(t *testing.T) {
	fl := new(mockFlattener)
	fl.On("FlattenAll", mock.Anything).Return(executor.FlattenReport{}).Once()
	b := newBreaker(t, Config{MaxDrawdownPct: 0.5, EquityFloor: 1000}, fl)

	assert.False(t, b.CheckDrawdown(context.Background(), 1200))
	assert.True(t, b.CheckDrawdown(context.Background(), 999))
	fl.AssertExpectations(t)
}

func TestResetRequiresOperatorAndRebases(t *testing.T) {
	fl := new(mockFlattener)
	fl.On("FlattenAll", mock.Anything).Return(executor.FlattenReport{}).Once()
	b := newBreaker(t, Config{MaxDrawdownPct: 0.1}, fl)
	ctx := context.Background()

	b.CheckDrawdown(ctx, 10000)
	require.True(t, b.CheckDrawdown(ctx, 8000))

	assert.Error(t, b.Reset(ctx, " "))
	require.NoError(t, b.Reset(ctx, "alice"))
	st, state := b.State()
	assert.Equal(t, StateArmed, state)
	assert.Equal(t, 8000.0, st.HighWatermark)
	assert.False(t, b.CheckDrawdown(ctx, 7500))
	fl.AssertExpectations(t)
}

func TestLossStreakStartsCooldown(t *testing.T) {
	b := newBreaker(t, Config{MaxDrawdownPct: 0.2, ConsecutiveLosses: 3, Cooldown: time.Hour}, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.nowFn = func() time.Time { return now }
	ctx := context.Background()

	b.RecordTrade(ctx, types.TradeRecord{Symbol: "A", PnL: -1})
	b.RecordTrade(ctx, types.TradeRecord{Symbol: "A", PnL: 5})
	b.RecordTrade(ctx, types.TradeRecord{Symbol: "A", PnL: -1})
	b.RecordTrade(ctx, types.TradeRecord{Symbol: "A", PnL: -1, CloseReason: executor.ReasonEmergencyFlatten})
	b.RecordTrade(ctx, types.TradeRecord{Symbol: "A", PnL: -1})
	assert.NoError(t, b.AllowEntry())

	b.RecordTrade(ctx, types.TradeRecord{Symbol: "A", PnL: -1})
	err := b.AllowEntry()
	assert.Equal(t, types.CodeCooldownActive, types.CodeOf(err))
	_, state := b.State()
	assert.Equal(t, StateCooldown, state)

	now = now.Add(time.Hour + time.Second)
	assert.NoError(t, b.AllowEntry())
}

func TestMasterArm(t *testing.T) {
	b := NewBreaker(Config{MaxDrawdownPct: 0.2}, nil, permissiveStore(), permissiveRecorder(), nil)
	ctx := context.Background()

	assert.Equal(t, types.CodeMasterArmDisabled, types.CodeOf(b.AllowEntry()))
	require.NoError(t, b.SetArmed(ctx, "alice", true))
	assert.NoError(t, b.AllowEntry())

	b.Trip(ctx, "alice", "emergency stop")
	assert.Equal(t, types.CodeCircuitBreakerTrip, types.CodeOf(b.SetArmed(ctx, "alice", true)))
}

func TestRestoreKeepsTrip(t *testing.T) {
	st := new(mockStateStore)
	st.On("LoadSystemState", mock.Anything).Return(types.SystemState{
		MasterArmEnabled:      true,
		CircuitBreakerTripped: true,
		HighWatermark:         12000,
	}, true, nil).Once()
	st.On("SaveRiskState", mock.Anything, mock.MatchedBy(func(s types.SystemState) bool {
		return s.CircuitBreakerTripped && !s.MasterArmEnabled
	})).Return(nil).Once()

	b := NewBreaker(Config{MaxDrawdownPct: 0.2, StartArmed: true}, nil, st, nil, nil)
	require.NoError(t, b.Restore(context.Background()))
	assert.Equal(t, types.CodeCircuitBreakerTrip, types.CodeOf(b.AllowEntry()))
	st.AssertExpectations(t)
}

func TestEquityCacheFreshness(t *testing.T) {
	c := NewEquityCache(10 * time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return now }

	_, err := c.Fresh()
	assert.Equal(t, types.CodeEquityStale, types.CodeOf(err))

	c.Set(5000)
	v, ok := c.Get()
	assert.True(t, ok)
	assert.Equal(t, 5000.0, v)

	now = now.Add(11 * time.Second)
	_, ok = c.Get()
	assert.False(t, ok)
}

type stubAccount struct {
	equity float64
	err    error
}

func (s *stubAccount) GetAccount(ctx context.Context) (broker.Account, error) {
	return broker.Account{Equity: s.equity}, s.err
}

type mockPhase struct {
	mock.Mock
}

func (m *mockPhase) SetEquity(ctx context.Context, equity float64) (types.PhaseTransition, bool) {
	args := m.Called(ctx, equity)
	return args.Get(0).(types.PhaseTransition), args.Bool(1)
}

func TestMonitorPollFansOut(t *testing.T) {
	src := &stubAccount{equity: 10000}
	ph := new(mockPhase)
	ph.On("SetEquity", mock.Anything, 10000.0).Return(types.PhaseTransition{}, false).Once()
	cache := NewEquityCache(time.Minute)
	b := newBreaker(t, Config{MaxDrawdownPct: 0.15}, nil)

	m := NewMonitor(src, cache, ph, b, time.Second)
	require.NoError(t, m.Poll(context.Background()))
	v, ok := cache.Get()
	assert.True(t, ok)
	assert.Equal(t, 10000.0, v)
	st, _ := b.State()
	assert.Equal(t, 10000.0, st.HighWatermark)
	ph.AssertExpectations(t)

	src.err = errors.New("timeout")
	assert.Error(t, m.Poll(context.Background()))
}
