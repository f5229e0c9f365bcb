package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"execcore/internal/events"
	"execcore/internal/gateway/broker"
	"execcore/internal/gateway/paper"
	"execcore/internal/ledger"
	"execcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Record(ctx context.Context, typ types.SystemEventType, details map[string]any) types.SystemEvent {
	m.Called(ctx, typ, details)
	return types.SystemEvent{Type: typ}
}

type failingBroker struct {
	*paper.Broker
}

func (f failingBroker) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	return nil, errors.New("connection reset")
}

var _ broker.Gateway = failingBroker{}

func openPosition(t *testing.T, l *ledger.Ledger, id, symbol string, side types.Side, size float64) {
	t.Helper()
	ctx := context.Background()
	_, err := l.ProcessIntent(ctx, types.Intent{SignalID: id, Symbol: symbol, Direction: side})
	require.NoError(t, err)
	_, err = l.ConfirmExecution(ctx, id, types.FillResult{Filled: true, FillPrice: 100, FillSize: size})
	require.NoError(t, err)
}

func newLedger(t *testing.T) *ledger.Ledger {
	l := ledger.New(nil, events.NewBus(), ledger.Options{})
	t.Cleanup(l.Stop)
	return l
}

func TestReconcileClassifiesAndCorrects(t *testing.T) {
	l := newLedger(t)
	b := paper.New(paper.Config{Name: "paper"})

	openPosition(t, l, "s1", "BTCUSDT", types.SideLong, 1)
	openPosition(t, l, "s2", "ETHUSDT", types.SideShort, 2)
	openPosition(t, l, "s3", "SOLUSDT", types.SideLong, 10)
	b.SetPosition(types.BrokerPosition{Symbol: "BTCUSDT", Side: types.SideLong, Size: 1, EntryPrice: 100})
	b.SetPosition(types.BrokerPosition{Symbol: "ETHUSDT", Side: types.SideShort, Size: 1.5, EntryPrice: 100})
	b.SetPosition(types.BrokerPosition{Symbol: "XRPUSDT", Side: types.SideShort, Size: 500, EntryPrice: 0.5})

	rec := new(mockRecorder)
	rec.On("Record", mock.Anything, types.EventReconcileGhost, mock.Anything).Return().Once()
	rec.On("Record", mock.Anything, types.EventReconcileOrphan, mock.Anything).Return().Once()
	rec.On("Record", mock.Anything, types.EventReconcileMismatch, mock.Anything).Return().Once()

	e := New(l, b, rec, 0)
	out, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 3)

	kinds := map[string]types.DiscrepancyKind{}
	for _, d := range out {
		assert.True(t, d.Resolved)
		kinds[d.Symbol] = d.Kind
	}
	assert.Equal(t, map[string]types.DiscrepancyKind{
		"ETHUSDT": types.DiscrepancyMismatch,
		"SOLUSDT": types.DiscrepancyGhost,
		"XRPUSDT": types.DiscrepancyOrphan,
	}, kinds)

	eth, _ := l.GetPosition("ETHUSDT")
	assert.Equal(t, 1.5, eth.Size)
	assert.Equal(t, "s2", eth.SignalID)
	assert.False(t, l.HasPosition("SOLUSDT"))
	xrp, ok := l.GetPosition("XRPUSDT")
	require.True(t, ok)
	assert.Equal(t, types.SourceRecovered, xrp.Source)
	assert.Empty(t, xrp.SignalID)
	rec.AssertExpectations(t)

	out, err = e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReconcileBrokerFailureChangesNothing(t *testing.T) {
	l := newLedger(t)
	openPosition(t, l, "s1", "BTCUSDT", types.SideLong, 1)
	e := New(l, failingBroker{paper.New(paper.Config{Name: "paper"})}, nil, 0)

	_, err := e.Reconcile(context.Background())
	assert.Equal(t, types.CodeBrokerError, types.CodeOf(err))
	assert.True(t, l.HasPosition("BTCUSDT"))
}

func TestReconcileCompleteness(t *testing.T) {
	sides := []types.Side{types.SideLong, types.SideShort}
	for seed := uint64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewPCG(seed, 7))
		l := newLedger(t)
		b := paper.New(paper.Config{Name: "paper"})

		expect := map[string]string{}
		for i := 0; i < 12; i++ {
			sym := fmt.Sprintf("C%dUSDT", i)
			side := sides[rng.IntN(2)]
			size := float64(1 + rng.IntN(5))
			switch rng.IntN(5) {
			case 0:
				openPosition(t, l, fmt.Sprintf("%d-%d", seed, i), sym, side, size)
				b.SetPosition(types.BrokerPosition{Symbol: sym, Side: side, Size: size, EntryPrice: 100})
				expect[sym] = "matched"
			case 1:
				openPosition(t, l, fmt.Sprintf("%d-%d", seed, i), sym, side, size)
				expect[sym] = string(types.DiscrepancyGhost)
			case 2:
				b.SetPosition(types.BrokerPosition{Symbol: sym, Side: side, Size: size, EntryPrice: 100})
				expect[sym] = string(types.DiscrepancyOrphan)
			case 3:
				openPosition(t, l, fmt.Sprintf("%d-%d", seed, i), sym, side, size)
				b.SetPosition(types.BrokerPosition{Symbol: sym, Side: side, Size: size + 0.5, EntryPrice: 100})
				expect[sym] = string(types.DiscrepancyMismatch)
			}
		}

		out, err := New(l, b, nil, 0).Reconcile(context.Background())
		require.NoError(t, err)

		got := map[string]string{}
		for _, d := range out {
			_, dup := got[d.Symbol]
			assert.False(t, dup, "seed %d: %s classified twice", seed, d.Symbol)
			got[d.Symbol] = string(d.Kind)
		}
		for sym, want := range expect {
			if want == "matched" {
				_, reported := got[sym]
				assert.False(t, reported, "seed %d: %s matched but reported", seed, sym)
				continue
			}
			assert.Equal(t, want, got[sym], "seed %d: %s", seed, sym)
		}

		remote, err := b.GetPositions(context.Background())
		require.NoError(t, err)
		local := l.GetAllPositions()
		require.Len(t, local, len(remote), "seed %d", seed)
		for i := range remote {
			assert.Equal(t, remote[i].Symbol, local[i].Symbol)
			assert.Equal(t, remote[i].Side, local[i].Side)
			assert.InDelta(t, remote[i].Size, local[i].Size, 1e-9)
		}
	}
}
