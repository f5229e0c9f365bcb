// Package reconcile diffs the ledger against the primary broker and corrects
// the ledger. The broker decides whether a position exists and how large it
// is; the ledger keeps provenance.
package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"execcore/internal/gateway/broker"
	"execcore/internal/logger"
	"execcore/internal/pkg/decmath"
	"execcore/internal/types"
)

// Book is the ledger surface reconciliation reads and corrects through.
type Book interface {
	GetAllPositions() []types.Position
	GetPosition(symbol string) (types.Position, bool)
	Do(ctx context.Context, symbol string, fn func(ctx context.Context) error) error
	AdoptPosition(ctx context.Context, bp types.BrokerPosition) (types.Position, bool, error)
	RemovePosition(ctx context.Context, symbol string) (types.Position, bool, error)
	ResizePosition(ctx context.Context, bp types.BrokerPosition) (types.Position, bool, error)
}

type EventRecorder interface {
	Record(ctx context.Context, typ types.SystemEventType, details map[string]any) types.SystemEvent
}

type Engine struct {
	book     Book
	broker   broker.Gateway
	recorder EventRecorder
	interval time.Duration
	timeout  time.Duration

	mu   sync.Mutex
	last []types.Discrepancy
	at   time.Time
}

func New(book Book, gw broker.Gateway, recorder EventRecorder, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Engine{book: book, broker: gw, recorder: recorder, interval: interval, timeout: 10 * time.Second}
}

// Reconcile runs one pass and returns every discrepancy found, resolved or
// not. Symbols that match are not reported.
func (e *Engine) Reconcile(ctx context.Context) ([]types.Discrepancy, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	brokerPositions, err := e.broker.GetPositions(fetchCtx)
	cancel()
	if err != nil {
		return nil, types.RejectWrap(types.CodeBrokerError, err)
	}

	remote := make(map[string]types.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		bp.Symbol = types.NormalizeSymbol(bp.Symbol)
		if bp.Size <= 0 || decmath.IsZero(bp.Size) {
			continue
		}
		remote[bp.Symbol] = bp
	}
	local := make(map[string]types.Position)
	for _, p := range e.book.GetAllPositions() {
		local[p.Symbol] = p
	}

	symbols := make([]string, 0, len(local)+len(remote))
	for s := range local {
		symbols = append(symbols, s)
	}
	for s := range remote {
		if _, ok := local[s]; !ok {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	var out []types.Discrepancy
	for _, sym := range symbols {
		lp, inLedger := local[sym]
		bp, atBroker := remote[sym]
		if inLedger && atBroker && matches(lp, bp) {
			continue
		}
		d, err := e.correct(ctx, sym)
		if err != nil {
			logger.Errorf("reconcile: %s correction failed: %v", sym, err)
			d.Note = err.Error()
		}
		if d.Kind != "" {
			out = append(out, d)
		}
	}

	e.mu.Lock()
	e.last = out
	e.at = time.Now()
	e.mu.Unlock()
	if len(out) > 0 {
		logger.Warnf("reconcile: %d discrepancies", len(out))
	} else {
		logger.Debugf("reconcile: ledger matches broker (%d positions)", len(local))
	}
	return out, nil
}

func matches(lp types.Position, bp types.BrokerPosition) bool {
	if bp.Side != "" && bp.Side != lp.Side {
		return false
	}
	return decmath.ApproxEqual(lp.Size, bp.Size)
}

// correct re-fetches the broker view inside the symbol actor and classifies
// against the live ledger there, so a confirm that landed after the snapshot
// is not undone.
func (e *Engine) correct(ctx context.Context, symbol string) (types.Discrepancy, error) {
	var d types.Discrepancy
	err := e.book.Do(ctx, symbol, func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
		all, err := e.broker.GetPositions(fetchCtx)
		cancel()
		if err != nil {
			return types.RejectWrap(types.CodeBrokerError, err)
		}
		var (
			bp       types.BrokerPosition
			atBroker bool
		)
		for _, p := range all {
			if types.NormalizeSymbol(p.Symbol) == symbol && p.Size > 0 && !decmath.IsZero(p.Size) {
				bp, atBroker = p, true
				bp.Symbol = symbol
				break
			}
		}
		lp, inLedger := e.book.GetPosition(symbol)

		switch {
		case inLedger && !atBroker:
			d = types.Discrepancy{Kind: types.DiscrepancyGhost, Symbol: symbol, LedgerSize: lp.Size}
			if _, _, err := e.book.RemovePosition(ctx, symbol); err != nil {
				return err
			}
			d.Resolved = true
			logger.Warnf("reconcile: GHOST %s %s %.8f removed from ledger (closed out-of-band)", symbol, lp.Side, lp.Size)
			e.record(ctx, types.EventReconcileGhost, d, map[string]any{"side": lp.Side, "signal_id": lp.SignalID})
		case !inLedger && atBroker:
			d = types.Discrepancy{Kind: types.DiscrepancyOrphan, Symbol: symbol, BrokerSize: bp.Size}
			if _, _, err := e.book.AdoptPosition(ctx, bp); err != nil {
				return err
			}
			d.Resolved = true
			logger.Warnf("reconcile: ORPHAN %s %s %.8f @ %.8f adopted into ledger", symbol, bp.Side, bp.Size, bp.EntryPrice)
			e.record(ctx, types.EventReconcileOrphan, d, map[string]any{"side": bp.Side, "entry_price": bp.EntryPrice})
		case inLedger && atBroker && !matches(lp, bp):
			d = types.Discrepancy{Kind: types.DiscrepancyMismatch, Symbol: symbol, LedgerSize: lp.Size, BrokerSize: bp.Size}
			if _, _, err := e.book.ResizePosition(ctx, bp); err != nil {
				return err
			}
			d.Resolved = true
			logger.Warnf("reconcile: MISMATCH %s ledger=%s %.8f broker=%s %.8f, ledger resized", symbol, lp.Side, lp.Size, bp.Side, bp.Size)
			e.record(ctx, types.EventReconcileMismatch, d, map[string]any{"ledger_side": lp.Side, "broker_side": bp.Side})
		}
		return nil
	})
	return d, err
}

func (e *Engine) record(ctx context.Context, typ types.SystemEventType, d types.Discrepancy, extra map[string]any) {
	if e.recorder == nil {
		return
	}
	details := map[string]any{
		"symbol":      d.Symbol,
		"kind":        d.Kind,
		"ledger_size": d.LedgerSize,
		"broker_size": d.BrokerSize,
	}
	for k, v := range extra {
		details[k] = v
	}
	e.recorder.Record(ctx, typ, details)
}

// Last returns the discrepancies of the most recent pass.
func (e *Engine) Last() ([]types.Discrepancy, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Discrepancy(nil), e.last...), e.at
}

// Run reconciles once immediately and then every interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.Reconcile(ctx); err != nil {
		logger.Errorf("reconcile: startup pass failed: %v", err)
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Reconcile(ctx); err != nil {
				logger.Errorf("reconcile: pass failed: %v", err)
			}
		}
	}
}
