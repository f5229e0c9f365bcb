// Package ledger is the authoritative in-process record of intents and open
// positions. Every mutation for a symbol runs on that symbol's actor, so two
// operations on the same symbol never interleave while different symbols
// proceed in parallel.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"execcore/internal/events"
	"execcore/internal/logger"
	"execcore/internal/types"
)

// Store is the persistence the ledger writes through to.
type Store interface {
	LoadOpenPositions(ctx context.Context) ([]types.Position, error)
	SavePosition(ctx context.Context, pos types.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	SaveIntent(ctx context.Context, intent types.Intent) error
	LoadIntents(ctx context.Context, since time.Time) ([]types.Intent, error)
	PurgeIntents(ctx context.Context, before time.Time) (int64, error)
	InsertTrade(ctx context.Context, rec types.TradeRecord) error
}

type Options struct {
	IntentTTL         time.Duration
	TerminalRetention time.Duration
	TradeHistoryCap   int
	MailboxSize       int
	SlowThreshold     time.Duration
	// SignalIDRetention bounds how long the id of a dropped terminal intent
	// still rejects a PREPARE that reuses it.
	SignalIDRetention time.Duration
	ActorIdleTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.IntentTTL <= 0 {
		o.IntentTTL = 10 * time.Second
	}
	if o.TerminalRetention <= 0 {
		o.TerminalRetention = time.Hour
	}
	if o.TradeHistoryCap <= 0 {
		o.TradeHistoryCap = 1000
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 100
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = time.Second
	}
	if o.SignalIDRetention < o.TerminalRetention {
		o.SignalIDRetention = 7 * 24 * time.Hour
		if o.SignalIDRetention < o.TerminalRetention {
			o.SignalIDRetention = o.TerminalRetention
		}
	}
	if o.ActorIdleTimeout <= 0 {
		o.ActorIdleTimeout = 10 * time.Minute
	}
	return o
}

// TradeHook observes closed trades; it must not call back into the ledger
// for the same symbol outside the supplied context.
type TradeHook func(ctx context.Context, rec types.TradeRecord)

type Ledger struct {
	opts      Options
	store     Store
	publisher events.Publisher
	nowFn     func() time.Time

	mu        sync.RWMutex
	positions map[string]*types.Position
	intents   map[string]*types.Intent
	retired   map[string]time.Time
	trades    []types.TradeRecord
	hooks     []TradeHook

	actorsMu sync.Mutex
	actors   map[string]*symbolActor
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(store Store, publisher events.Publisher, opts Options) *Ledger {
	return &Ledger{
		opts:      opts.withDefaults(),
		store:     store,
		publisher: publisher,
		nowFn:     time.Now,
		positions: make(map[string]*types.Position),
		intents:   make(map[string]*types.Intent),
		retired:   make(map[string]time.Time),
		actors:    make(map[string]*symbolActor),
		stopCh:    make(chan struct{}),
	}
}

// OnTradeClosed registers a hook called on the symbol actor after every
// full or partial close.
func (l *Ledger) OnTradeClosed(h TradeHook) {
	if h == nil {
		return
	}
	l.mu.Lock()
	l.hooks = append(l.hooks, h)
	l.mu.Unlock()
}

// Recover hydrates positions and recent intents from the store. It must run
// before any actor is started.
func (l *Ledger) Recover(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	positions, err := l.store.LoadOpenPositions(ctx)
	if err != nil {
		return err
	}
	now := l.nowFn()
	since := now.Add(-l.opts.SignalIDRetention)
	retentionCutoff := now.Add(-l.opts.TerminalRetention)
	intents, err := l.store.LoadIntents(ctx, since)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range positions {
		p := positions[i].Clone()
		if p.Symbol == "" || p.Size <= 0 {
			continue
		}
		l.positions[p.Symbol] = &p
	}
	for i := range intents {
		in := intents[i].Clone()
		if in.Status.Terminal() && in.UpdatedAt.Before(retentionCutoff) {
			l.retired[in.SignalID] = in.UpdatedAt
			continue
		}
		l.intents[in.SignalID] = &in
	}
	logger.Infof("ledger: recovered %d positions, %d intents and %d retired signal ids", len(l.positions), len(l.intents), len(l.retired))
	return nil
}

// --------------------- read-only accessors -------------------------

func (l *Ledger) GetAllPositions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (l *Ledger) HasPosition(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.positions[types.NormalizeSymbol(symbol)]
	return ok
}

func (l *Ledger) GetPosition(symbol string) (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[types.NormalizeSymbol(symbol)]
	if !ok {
		return types.Position{}, false
	}
	return p.Clone(), true
}

// IsZombieSignal is true iff no position exists for symbol: a close for it
// should be absorbed, not raised.
func (l *Ledger) IsZombieSignal(symbol string) bool {
	return !l.HasPosition(symbol)
}

func (l *Ledger) GetIntent(signalID string) (types.Intent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	in, ok := l.intents[signalID]
	if !ok {
		return types.Intent{}, false
	}
	return in.Clone(), true
}

// Trades returns the most recent closed trades, newest first.
func (l *Ledger) Trades(limit int) []types.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.TradeRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.trades[i])
	}
	return out
}

// --------------------- write-through helpers -------------------------

// persistCtx detaches persistence from caller cancellation: a state change
// that happened in memory must still be written.
func persistCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (l *Ledger) saveIntent(ctx context.Context, in types.Intent) {
	if l.store != nil {
		if err := l.store.SaveIntent(persistCtx(ctx), in); err != nil {
			logger.Errorf("ledger: persist intent %s failed: %v", in.SignalID, err)
		}
	}
	l.publish(events.TopicIntentChanged, in)
}

func (l *Ledger) savePosition(ctx context.Context, p types.Position) {
	if l.store != nil {
		if err := l.store.SavePosition(persistCtx(ctx), p); err != nil {
			logger.Errorf("ledger: persist position %s failed: %v", p.Symbol, err)
		}
	}
	l.publish(events.TopicPositionChanged, p)
}

func (l *Ledger) deletePosition(ctx context.Context, p types.Position) {
	if l.store != nil {
		if err := l.store.DeletePosition(persistCtx(ctx), p.Symbol); err != nil {
			logger.Errorf("ledger: delete position %s failed: %v", p.Symbol, err)
		}
	}
	flat := p
	flat.Size = 0
	l.publish(events.TopicPositionChanged, flat)
}

func (l *Ledger) recordTrade(ctx context.Context, rec types.TradeRecord) {
	l.mu.Lock()
	l.trades = append(l.trades, rec)
	if over := len(l.trades) - l.opts.TradeHistoryCap; over > 0 {
		l.trades = append([]types.TradeRecord(nil), l.trades[over:]...)
	}
	hooks := append([]TradeHook(nil), l.hooks...)
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.InsertTrade(persistCtx(ctx), rec); err != nil {
			logger.Errorf("ledger: persist trade %s failed: %v", rec.Symbol, err)
		}
	}
	l.publish(events.TopicTradeClosed, rec)
	for _, h := range hooks {
		h(ctx, rec)
	}
}

func (l *Ledger) publish(topic events.Topic, payload any) {
	if l.publisher != nil {
		l.publisher.Publish(topic, payload)
	}
}
