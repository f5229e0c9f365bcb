package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

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
	return types.SystemEvent{Type: typ, Details: details}
}

func permissiveRecorder() *mockRecorder {
	r := new(mockRecorder)
	r.On("Record", mock.Anything, mock.Anything, mock.Anything).Return().Maybe()
	return r
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newVenues(t *testing.T, gws ...broker.Gateway) *broker.Registry {
	t.Helper()
	reg, err := broker.NewRegistry(gws[0].Name(), gws...)
	require.NoError(t, err)
	return reg
}

func newExecutor(t *testing.T, cfg Config, book PositionBook, rec EventRecorder, gws ...broker.Gateway) (*Executor, *sleepLog) {
	t.Helper()
	if cfg.RateLimitPerSec == 0 {
		cfg.RateLimitPerSec, cfg.RateBurst = 1e6, 1000
	}
	e := New(cfg, newVenues(t, gws...), book, rec)
	sl := &sleepLog{}
	e.sleep = sl.sleep
	e.jitter = func(min, max time.Duration) time.Duration { return min }
	return e, sl
}

func TestSingleLegFastPath(t *testing.T) {
	p := paper.New(paper.Config{Name: "paper", StartingEquity: 10000})
	e, sl := newExecutor(t, Config{}, nil, permissiveRecorder(), p)

	res, err := e.ExecuteAtomic(context.Background(), Request{Tag: "s1", Symbol: "btc/usdt", Side: types.SideLong, Size: 0.05, RefPrice: 50000})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Clips)
	assert.InDelta(t, 0.05, res.FillSize, 1e-12)
	assert.InDelta(t, 50000, res.FillPrice, 1e-9)
	assert.InDelta(t, 2500, res.TotalCost, 1e-9)
	assert.Empty(t, sl.waits)

	fill := res.Fill()
	assert.True(t, fill.Filled)
	assert.NotEmpty(t, fill.OrderID)
}

func TestRejectsInvalidRequest(t *testing.T) {
	p := paper.New(paper.Config{Name: "paper"})
	e, _ := newExecutor(t, Config{}, nil, nil, p)
	_, err := e.ExecuteAtomic(context.Background(), Request{Symbol: "BTCUSDT", Side: types.SideLong})
	assert.Equal(t, types.CodeInvalidSize, types.CodeOf(err))
	_, err = e.ExecuteAtomic(context.Background(), Request{Symbol: "BTCUSDT", Side: types.SideLong, Size: 1, Venue: "nowhere"})
	assert.Equal(t, types.CodeBrokerError, types.CodeOf(err))
}

func TestTWAPSlicing(t *testing.T) {
	p := paper.New(paper.Config{Name: "paper"})
	e, sl := newExecutor(t, Config{ClipIntervalMin: 30 * time.Second, ClipIntervalMax: 90 * time.Second}, nil, nil, p)

	res, err := e.ExecuteAtomic(context.Background(), Request{Tag: "big", Symbol: "BTCUSDT", Side: types.SideLong, Size: 0.2, RefPrice: 50000})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 20, res.Clips)
	assert.Equal(t, 20, res.ClipsDone)
	assert.Len(t, p.Orders(), 20)
	for _, o := range p.Orders() {
		assert.LessOrEqual(t, o.Size*50000, 500.0+1e-6)
	}
	assert.InDelta(t, 0.2, res.FillSize, 1e-9)
	assert.Len(t, sl.waits, 19)
}

func TestPlanClipsKeepsTotal(t *testing.T) {
	e := New(Config{}, nil, nil, nil)
	assert.Equal(t, []float64{0.1}, e.planClips(0.1, 50000))
	assert.Equal(t, []float64{3}, e.planClips(3, 0))

	clips := e.planClips(0.3, 50000)
	require.Len(t, clips, 30)
	var sum float64
	for _, c := range clips {
		sum += c
	}
	assert.InDelta(t, 0.3, sum, 1e-9)

	clips = e.planClips(1, 5001)
	assert.Len(t, clips, 11)
}

func TestRandomIntervalWithinWindow(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := randomInterval(30*time.Second, 90*time.Second)
		assert.GreaterOrEqual(t, d, 30*time.Second)
		assert.LessOrEqual(t, d, 90*time.Second)
	}
}

func TestSlippageAbortsRemainingClips(t *testing.T) {
	p := paper.New(paper.Config{Name: "paper", SlippageBps: 30})
	e, _ := newExecutor(t, Config{MaxSlippagePct: 0.002}, nil, nil, p)

	res, err := e.ExecuteAtomic(context.Background(), Request{Tag: "slip", Symbol: "BTCUSDT", Side: types.SideLong, Size: 0.2, RefPrice: 50000})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Aborted)
	assert.Equal(t, types.CodeSlippageExceeded, res.Reason)
	assert.Equal(t, 1, res.ClipsDone)
	assert.InDelta(t, 0.01, res.FillSize, 1e-12)
	assert.InDelta(t, 50150, res.FillPrice, 1e-6)
}

func TestBrokerErrorRetriesWithBackoff(t *testing.T) {
	p := paper.New(paper.Config{Name: "paper"})
	calls := 0
	p.SetHook(func(req broker.OrderRequest) (broker.OrderResult, bool, error) {
		calls++
		if calls < 3 {
			return broker.OrderResult{}, true, errors.New("502 bad gateway")
		}
		return broker.OrderResult{}, false, nil
	})
	e, sl := newExecutor(t, Config{RetryAttempts: 3, RetryBackoff: 200 * time.Millisecond}, nil, nil, p)

	res, err := e.ExecuteAtomic(context.Background(), Request{Symbol: "ETHUSDT", Side: types.SideShort, Size: 1, RefPrice: 3000})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Legs[0].Attempts)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, sl.waits)
}

func TestBrokerErrorExhaustsRetries(t *testing.T) {
	p := paper.New(paper.Config{Name: "paper"})
	p.SetHook(func(req broker.OrderRequest) (broker.OrderResult, bool, error) {
		return broker.OrderResult{}, true, errors.New("timeout")
	})
	e, _ := newExecutor(t, Config{RetryAttempts: 2}, nil, nil, p)

	res, err := e.ExecuteAtomic(context.Background(), Request{Symbol: "ETHUSDT", Side: types.SideLong, Size: 1, RefPrice: 3000})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.CodeBrokerError, res.Reason)
	assert.False(t, res.Fill().Filled)
}

// Leg outcomes for the compensation property.
const (
	outcomeFill = iota
	outcomeError
	outcomeUnfilled
)

func randomHook(rng *rand.Rand) paper.OrderHook {
	var mu sync.Mutex
	return func(req broker.OrderRequest) (broker.OrderResult, bool, error) {
		if strings.HasSuffix(req.ClientOrderID, "-comp") {
			return broker.OrderResult{}, false, nil
		}
		mu.Lock()
		outcome := rng.IntN(3)
		delay := time.Duration(rng.IntN(200)) * time.Microsecond
		mu.Unlock()
		time.Sleep(delay)
		switch outcome {
		case outcomeError:
			return broker.OrderResult{}, true, errors.New("leg timeout")
		case outcomeUnfilled:
			return broker.OrderResult{Success: true, BrokerOrderID: "x"}, true, nil
		}
		return broker.OrderResult{}, false, nil
	}
}

func TestPairedLegsStayDeltaNeutral(t *testing.T) {
	for seed := uint64(1); seed <= 100; seed++ {
		primary := paper.New(paper.Config{Name: "perp"})
		hedge := paper.New(paper.Config{Name: "spot"})
		primary.SetHook(randomHook(rand.New(rand.NewPCG(seed, 1))))
		hedge.SetHook(randomHook(rand.New(rand.NewPCG(seed, 2))))

		rec := permissiveRecorder()
		e, _ := newExecutor(t, Config{
			RetryAttempts: 1,
			Hedges:        []Hedge{{Symbol: "BTCUSDT", Venue: "spot"}},
		}, nil, rec, primary, hedge)

		size := 0.01
		if seed%4 == 0 {
			size = 0.15
		}
		res, err := e.ExecuteAtomic(context.Background(), Request{Tag: "p", Symbol: "BTCUSDT", Side: types.SideLong, Size: size, RefPrice: 50000})
		require.NoError(t, err)

		long := primary.NetExposure("BTCUSDT")
		short := hedge.NetExposure("BTCUSDT")
		assert.InDelta(t, 0, long+short, 1e-9, "seed %d: net exposure", seed)
		assert.InDelta(t, long, res.FillSize, 1e-9, "seed %d: reported fill", seed)
		if res.Reason == types.CodePartialFillDesync {
			rec.AssertCalled(t, "Record", mock.Anything, types.EventPartialFillDesync, mock.Anything)
		}
	}
}

func TestCancelInflightStopsSequence(t *testing.T) {
	p := paper.New(paper.Config{Name: "paper"})
	e := New(Config{}, newVenues(t, p), nil, nil)
	started := make(chan struct{}, 1)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}

	resCh := make(chan Result, 1)
	go func() {
		res, _ := e.ExecuteAtomic(context.Background(), Request{Symbol: "BTCUSDT", Side: types.SideLong, Size: 0.2, RefPrice: 50000})
		resCh <- res
	}()
	<-started
	assert.Equal(t, 1, e.CancelInflight())

	select {
	case res := <-resCh:
		assert.True(t, res.Aborted)
		assert.Equal(t, types.CodeExecutionCancelled, res.Reason)
		assert.Equal(t, 1, res.ClipsDone)
		assert.InDelta(t, 0.01, res.FillSize, 1e-12)
	case <-time.After(2 * time.Second):
		t.Fatal("sequence was not cancelled")
	}
}

func TestFlattenAllClosesLedgerPositions(t *testing.T) {
	p := paper.New(paper.Config{Name: "paper", StartingEquity: 10000})
	hedge := paper.New(paper.Config{Name: "spot"})
	hedge.SetPosition(types.BrokerPosition{Symbol: "BTCUSDT", Side: types.SideShort, Size: 0.5, EntryPrice: 50000})

	book := ledger.New(nil, events.NewBus(), ledger.Options{})
	t.Cleanup(book.Stop)
	ctx := context.Background()
	for _, sp := range []struct {
		id, symbol string
		side       types.Side
		price      float64
		size       float64
	}{
		{"s1", "BTCUSDT", types.SideLong, 50000, 0.5},
		{"s2", "ETHUSDT", types.SideShort, 3000, 2},
	} {
		_, err := book.ProcessIntent(ctx, types.Intent{SignalID: sp.id, Symbol: sp.symbol, Direction: sp.side})
		require.NoError(t, err)
		_, err = book.ConfirmExecution(ctx, sp.id, types.FillResult{Filled: true, FillPrice: sp.price, FillSize: sp.size})
		require.NoError(t, err)
		p.SetPosition(types.BrokerPosition{Symbol: sp.symbol, Side: sp.side, Size: sp.size, EntryPrice: sp.price})
	}

	rec := new(mockRecorder)
	rec.On("Record", mock.Anything, types.EventEmergencyFlatten, mock.Anything).Return().Once()
	e, _ := newExecutor(t, Config{}, book, rec, p, hedge)

	report := e.FlattenAll(ctx)
	assert.True(t, report.AllClosed())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, report.Closed)
	assert.Empty(t, book.GetAllPositions())
	assert.Zero(t, p.NetExposure("BTCUSDT"))
	assert.Zero(t, p.NetExposure("ETHUSDT"))
	assert.Zero(t, hedge.NetExposure("BTCUSDT"))
	for _, tr := range book.Trades(0) {
		assert.Equal(t, ReasonEmergencyFlatten, tr.CloseReason)
	}
	rec.AssertExpectations(t)
}

func TestFlattenAllClosesPositionOpenedByCancelledSequence(t *testing.T) {
	p := paper.New(paper.Config{Name: "paper", StartingEquity: 10000})
	book := ledger.New(nil, events.NewBus(), ledger.Options{})
	t.Cleanup(book.Stop)
	e, _ := newExecutor(t, Config{}, book, permissiveRecorder(), p)

	started := make(chan struct{}, 1)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}

	ctx := context.Background()
	_, err := book.ProcessIntent(ctx, types.Intent{SignalID: "twap-1", Symbol: "BTCUSDT", Direction: types.SideLong, Size: 0.2})
	require.NoError(t, err)

	confirmed := make(chan error, 1)
	go func() {
		confirmed <- book.Do(ctx, "BTCUSDT", func(ctx context.Context) error {
			res, err := e.ExecuteAtomic(ctx, Request{Tag: "twap-1", Symbol: "BTCUSDT", Side: types.SideLong, Size: 0.2, RefPrice: 50000})
			if err != nil {
				return err
			}
			_, err = book.ConfirmExecution(ctx, "twap-1", res.Fill())
			return err
		})
	}()
	<-started
	require.InDelta(t, 0.01, p.NetExposure("BTCUSDT"), 1e-12)

	report := e.FlattenAll(ctx)
	require.NoError(t, <-confirmed)

	assert.Equal(t, 1, report.Cancelled)
	assert.True(t, report.AllClosed())
	assert.Equal(t, []string{"BTCUSDT"}, report.Closed)
	assert.False(t, book.HasPosition("BTCUSDT"))
	assert.InDelta(t, 0, p.NetExposure("BTCUSDT"), 1e-12)
	trades := book.Trades(0)
	require.Len(t, trades, 1)
	assert.Equal(t, ReasonEmergencyFlatten, trades[0].CloseReason)
}

func TestFlattenTargetsMergesCancelledSymbols(t *testing.T) {
	got := flattenTargets(
		[]types.Position{{Symbol: "BTCUSDT"}, {Symbol: "ETHUSDT"}},
		[]string{"ETHUSDT", "SOLUSDT", "SOLUSDT"},
	)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, got)
}
