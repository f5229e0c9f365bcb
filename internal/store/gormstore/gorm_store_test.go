package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"execcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open(Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "core.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPositionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	pos := types.Position{
		Symbol: "BTCUSDT", Side: types.SideLong, Size: 0.5, EntryPrice: 50000,
		StopLoss: 49000, TakeProfits: []float64{51000, 52000},
		SignalID: "sig-1", Source: types.SourceSignal, OpenedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SavePosition(ctx, pos))

	pos.Size = 0.8
	pos.EntryPrice = 50375
	require.NoError(t, s.SavePosition(ctx, pos))

	got, err := s.LoadOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pos, got[0])

	require.NoError(t, s.DeletePosition(ctx, "BTCUSDT"))
	got, err = s.LoadOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIntentUpsertAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	in := types.Intent{SignalID: "a", Symbol: "ETHUSDT", Direction: types.SideShort, Action: types.ActionOpen,
		Size: 1, Status: types.IntentPending, ReceivedAt: old, UpdatedAt: old}
	require.NoError(t, s.SaveIntent(ctx, in))
	in.Status = types.IntentRejected
	in.RejectionReason = "ABORTED"
	require.NoError(t, s.SaveIntent(ctx, in))

	pending := types.Intent{SignalID: "b", Symbol: "ETHUSDT", Status: types.IntentPending, ReceivedAt: old}
	require.NoError(t, s.SaveIntent(ctx, pending))

	got, ok, err := s.GetIntent(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.IntentRejected, got.Status)
	assert.Equal(t, "ABORTED", got.RejectionReason)

	n, err := s.PurgeIntents(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err = s.GetIntent(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := s.LoadIntents(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].SignalID)
}

func TestTradesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	for i, sym := range []string{"BTCUSDT", "ETHUSDT", "BTCUSDT"} {
		require.NoError(t, s.InsertTrade(ctx, types.TradeRecord{
			Symbol: sym, Side: types.SideLong, SizeClosed: float64(i + 1), PnL: 10,
			ClosedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	all, err := s.ListTrades(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 3.0, all[0].SizeClosed)

	btc, err := s.ListTrades(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	assert.Len(t, btc, 2)
}

func TestSystemEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertSystemEvent(ctx, types.SystemEvent{
		ID: "e1", Type: types.EventCircuitBreakerTrip, Details: map[string]any{"drawdown": "0.2"},
	}))
	require.NoError(t, s.InsertSystemEvent(ctx, types.SystemEvent{ID: "e2", Type: types.EventReconcileGhost}))

	trips, err := s.ListSystemEvents(ctx, string(types.EventCircuitBreakerTrip), 0)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "0.2", trips[0].Details["drawdown"])

	assert.Error(t, s.InsertSystemEvent(ctx, types.SystemEvent{Type: types.EventReconcileGhost}))
}

func TestPhaseAndRiskStateAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadSystemState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	cooldown := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())
	require.NoError(t, s.SaveRiskState(ctx, types.SystemState{
		MasterArmEnabled: false, CircuitBreakerTripped: true, HighWatermark: 12000, CooldownUntil: cooldown,
	}))
	require.NoError(t, s.SavePhaseState(ctx, 8000, 2))

	st, ok, err := s.LoadSystemState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, st.Phase)
	assert.Equal(t, 8000.0, st.Equity)
	assert.True(t, st.CircuitBreakerTripped)
	assert.False(t, st.MasterArmEnabled)
	assert.Equal(t, 12000.0, st.HighWatermark)
	assert.True(t, cooldown.Equal(st.CooldownUntil))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "mysql"})
	assert.Error(t, err)
	_, err = Open(Options{Driver: "postgres"})
	assert.Error(t, err)
}
