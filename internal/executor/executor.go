// Package executor places broker legs for confirmed intents. Large orders are
// sliced into time-spaced clips; hedged symbols fire a paired leg on a second
// venue and a broken pair is compensated back to flat.
package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"execcore/internal/gateway/broker"
	"execcore/internal/types"

	"golang.org/x/time/rate"
)

// Hedge pairs a symbol with an opposite leg on another venue.
type Hedge struct {
	Symbol      string
	Venue       string
	HedgeSymbol string
}

type Config struct {
	ClipThresholdUSD float64
	ClipCapUSD       float64
	ClipIntervalMin  time.Duration
	ClipIntervalMax  time.Duration
	MaxSlippagePct   float64
	LegTimeout       time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
	RateLimitPerSec  float64
	RateBurst        int
	Hedges           []Hedge
}

func (c Config) withDefaults() Config {
	if c.ClipThresholdUSD <= 0 {
		c.ClipThresholdUSD = 5000
	}
	if c.ClipCapUSD <= 0 {
		c.ClipCapUSD = 500
	}
	if c.ClipIntervalMin <= 0 {
		c.ClipIntervalMin = 30 * time.Second
	}
	if c.ClipIntervalMax < c.ClipIntervalMin {
		c.ClipIntervalMax = c.ClipIntervalMin
	}
	if c.MaxSlippagePct <= 0 {
		c.MaxSlippagePct = 0.002
	}
	if c.LegTimeout <= 0 {
		c.LegTimeout = 5 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 1
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.RateLimitPerSec <= 0 {
		c.RateLimitPerSec = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
	return c
}

func (c Config) hedgeFor(symbol string) (Hedge, bool) {
	for _, h := range c.Hedges {
		if types.NormalizeSymbol(h.Symbol) == symbol {
			if h.HedgeSymbol == "" {
				h.HedgeSymbol = symbol
			}
			h.HedgeSymbol = types.NormalizeSymbol(h.HedgeSymbol)
			return h, true
		}
	}
	return Hedge{}, false
}

// Venues resolves broker gateways by name.
type Venues interface {
	Primary() broker.Gateway
	Get(name string) (broker.Gateway, bool)
	Others() []broker.Gateway
}

// PositionBook is the ledger surface emergency flatten needs.
type PositionBook interface {
	GetAllPositions() []types.Position
	GetPosition(symbol string) (types.Position, bool)
	Do(ctx context.Context, symbol string, fn func(ctx context.Context) error) error
	ClosePosition(ctx context.Context, symbol string, exitPrice float64, reason string) (*types.TradeRecord, error)
	ClosePartialPosition(ctx context.Context, symbol string, exitPrice, closeSize float64, reason string) (*types.TradeRecord, error)
}

// EventRecorder writes durable system events.
type EventRecorder interface {
	Record(ctx context.Context, typ types.SystemEventType, details map[string]any) types.SystemEvent
}

type Executor struct {
	cfg      Config
	venues   Venues
	book     PositionBook
	recorder EventRecorder

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(min, max time.Duration) time.Duration

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	inflightMu sync.Mutex
	inflight   map[uint64]sequence
	nextID     uint64
}

type sequence struct {
	symbol string
	cancel context.CancelFunc
}

func New(cfg Config, venues Venues, book PositionBook, recorder EventRecorder) *Executor {
	return &Executor{
		cfg:      cfg.withDefaults(),
		venues:   venues,
		book:     book,
		recorder: recorder,
		sleep:    sleepCtx,
		jitter:   randomInterval,
		limiters: make(map[string]*rate.Limiter),
		inflight: make(map[uint64]sequence),
	}
}

// Request is one logical order. Side is the exposure added on the primary
// venue.
type Request struct {
	Tag        string
	Symbol     string
	Side       types.Side
	Size       float64
	RefPrice   float64
	ReduceOnly bool
	Venue      string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return types.Reject(types.CodeSchemaError, "symbol is required")
	}
	if r.Side != types.SideLong && r.Side != types.SideShort {
		return types.Reject(types.CodeSchemaError, "invalid side %q", r.Side)
	}
	if r.Size <= 0 {
		return types.Reject(types.CodeInvalidSize, "size must be positive")
	}
	return nil
}

// LegResult is one broker order of a clip.
type LegResult struct {
	Venue       string     `json:"venue"`
	Symbol      string     `json:"symbol"`
	Side        types.Side `json:"side"`
	Size        float64    `json:"size"`
	Hedge       bool       `json:"hedge"`
	Filled      bool       `json:"filled"`
	FillPrice   float64    `json:"fill_price"`
	FillSize    float64    `json:"fill_size"`
	OrderID     string     `json:"order_id,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	Compensated bool       `json:"compensated,omitempty"`
}

// Result aggregates every clip of an ExecuteAtomic call. FillPrice and
// FillSize describe the primary venue exposure that remains after
// compensation; that is what the ledger must confirm.
type Result struct {
	Success   bool        `json:"success"`
	Legs      []LegResult `json:"legs"`
	Clips     int         `json:"clips"`
	ClipsDone int         `json:"clips_done"`
	FillPrice float64     `json:"fill_price"`
	FillSize  float64     `json:"fill_size"`
	TotalCost float64     `json:"total_cost"`
	Slippage  float64     `json:"slippage"`
	Aborted   bool        `json:"aborted"`
	Reason    types.Code  `json:"reason,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// Fill converts the result into the ledger's fill report.
func (r Result) Fill() types.FillResult {
	var orderID string
	for _, leg := range r.Legs {
		if !leg.Hedge && leg.Filled && leg.OrderID != "" {
			orderID = leg.OrderID
		}
	}
	return types.FillResult{
		Filled:    r.FillSize > 0,
		FillPrice: r.FillPrice,
		FillSize:  r.FillSize,
		OrderID:   orderID,
	}
}

func (r *Result) abort(code types.Code, format string, args ...any) {
	r.Aborted = true
	r.Reason = code
	r.Detail = fmt.Sprintf(format, args...)
}

// CancelInflight stops every running clip sequence. Legs already submitted
// are still compensated.
func (e *Executor) CancelInflight() int {
	return len(e.cancelInflight())
}

// cancelInflight returns the symbol of every sequence it cancelled, one
// entry per sequence.
func (e *Executor) cancelInflight() []string {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	symbols := make([]string, 0, len(e.inflight))
	for id, seq := range e.inflight {
		seq.cancel()
		symbols = append(symbols, seq.symbol)
		delete(e.inflight, id)
	}
	return symbols
}

func (e *Executor) track(ctx context.Context, symbol string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	e.inflightMu.Lock()
	e.nextID++
	id := e.nextID
	e.inflight[id] = sequence{symbol: symbol, cancel: cancel}
	e.inflightMu.Unlock()
	return ctx, func() {
		e.inflightMu.Lock()
		delete(e.inflight, id)
		e.inflightMu.Unlock()
		cancel()
	}
}

func (e *Executor) limiter(venue string) *rate.Limiter {
	e.limMu.Lock()
	defer e.limMu.Unlock()
	lim, ok := e.limiters[venue]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(e.cfg.RateLimitPerSec), e.cfg.RateBurst)
		e.limiters[venue] = lim
	}
	return lim
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomInterval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}

func (e *Executor) record(ctx context.Context, typ types.SystemEventType, details map[string]any) {
	if e.recorder != nil {
		e.recorder.Record(ctx, typ, details)
	}
}
