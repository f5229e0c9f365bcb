package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"execcore/internal/guard"
	"execcore/internal/phase"
	"execcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, sig types.Signal) (any, error) {
	args := m.Called(ctx, sig)
	return args.Get(0), args.Error(1)
}

func newPhase(t *testing.T) *phase.Manager {
	t.Helper()
	m, err := phase.NewManager(phase.Config{
		Thresholds: []float64{5000, 50000},
		Tiers: []phase.Tier{
			{Phase: 1, RiskPct: 0.1, MaxLeverage: 20, Strategies: []string{"scalp"}},
			{Phase: 2, RiskPct: 0.05, MaxLeverage: 5, Strategies: []string{"swing"}},
			{Phase: 3, RiskPct: 0.02, MaxLeverage: 2, Strategies: []string{"basis"}},
		},
		SourceMap: map[string]int{"scavenger": 1, "hunter": 2, "sentinel": 3, "ghost": 1},
	}, nil, nil)
	require.NoError(t, err)
	return m
}

var seq int

func freshSignal(source string) types.Signal {
	seq++
	return types.Signal{
		SignalID:  fmt.Sprintf("sig-%d", seq),
		Type:      types.SignalPrepare,
		Source:    source,
		Symbol:    "btc/usdt",
		Direction: "LONG",
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestRouteRejectsBeforePhaseDetermined(t *testing.T) {
	r := New(guard.NewReplayGuard(5*time.Second, 0), newPhase(t))
	res := r.Route(context.Background(), freshSignal("scavenger"))
	assert.False(t, res.Accepted)
	assert.Equal(t, types.CodePhaseNotDetermined, res.Reason)
	assert.Contains(t, res.Detail, "Phase not determined")
}

func TestRouteDispatchesToSourceHandler(t *testing.T) {
	pm := newPhase(t)
	pm.SetEquity(context.Background(), 1000)
	r := New(guard.NewReplayGuard(5*time.Second, 0), pm)

	h := new(mockHandler)
	h.On("Handle", mock.Anything, mock.MatchedBy(func(s types.Signal) bool {
		return s.Symbol == "BTCUSDT"
	})).Return("ok", nil).Once()
	require.NoError(t, r.Register("Scavenger", h))
	assert.Error(t, r.Register("scavenger", h))

	res := r.Route(context.Background(), freshSignal("scavenger"))
	assert.True(t, res.Accepted)
	assert.Equal(t, "ok", res.Result)
	h.AssertExpectations(t)
}

func TestRouteRejections(t *testing.T) {
	pm := newPhase(t)
	pm.SetEquity(context.Background(), 1000)
	r := New(guard.NewReplayGuard(5*time.Second, 0), pm)
	h := new(mockHandler)
	h.On("Handle", mock.Anything, mock.Anything).Return(nil, types.Reject(types.CodeNoPriorIntent, "No prepared intent found"))
	require.NoError(t, r.Register("scavenger", h))

	t.Run("stale", func(t *testing.T) {
		sig := freshSignal("scavenger")
		sig.Timestamp = time.Now().Add(-6 * time.Second).UnixMilli()
		res := r.Route(context.Background(), sig)
		assert.False(t, res.Accepted)
		assert.Contains(t, string(res.Reason), "STALE")
	})
	t.Run("duplicate", func(t *testing.T) {
		sig := freshSignal("scavenger")
		r.Route(context.Background(), sig)
		res := r.Route(context.Background(), sig)
		assert.Equal(t, types.CodeDuplicateSignal, res.Reason)
	})
	t.Run("phase mismatch", func(t *testing.T) {
		res := r.Route(context.Background(), freshSignal("hunter"))
		assert.False(t, res.Accepted)
		assert.Contains(t, string(res.Reason), "PHASE_MISMATCH")
	})
	t.Run("strategy not permitted", func(t *testing.T) {
		sig := freshSignal("scavenger")
		sig.StrategyType = "basis"
		res := r.Route(context.Background(), sig)
		assert.Equal(t, types.CodePhaseMismatch, res.Reason)
	})
	t.Run("unmapped source", func(t *testing.T) {
		res := r.Route(context.Background(), freshSignal("oracle"))
		assert.Equal(t, types.CodeUnknownSource, res.Reason)
	})
	t.Run("mapped source without handler", func(t *testing.T) {
		res := r.Route(context.Background(), freshSignal("ghost"))
		assert.Equal(t, types.CodeUnknownSource, res.Reason)
	})
	t.Run("handler rejection", func(t *testing.T) {
		res := r.Route(context.Background(), freshSignal("scavenger"))
		assert.False(t, res.Accepted)
		assert.Equal(t, types.CodeNoPriorIntent, res.Reason)
	})
}

func TestRouteRecoversHandlerPanicAndPlainErrors(t *testing.T) {
	pm := newPhase(t)
	pm.SetEquity(context.Background(), 1000)
	r := New(guard.NewReplayGuard(5*time.Second, 0), pm)
	calls := 0
	require.NoError(t, r.Register("scavenger", HandlerFunc(func(ctx context.Context, sig types.Signal) (any, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil, errors.New("disk on fire")
	})))

	res := r.Route(context.Background(), freshSignal("scavenger"))
	assert.False(t, res.Accepted)
	assert.Equal(t, types.CodeHandlerFailed, res.Reason)

	res = r.Route(context.Background(), freshSignal("scavenger"))
	assert.Equal(t, types.CodeHandlerFailed, res.Reason)
	assert.Contains(t, res.Detail, "disk on fire")
}
