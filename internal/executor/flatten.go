package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"execcore/internal/logger"
	"execcore/internal/pkg/decmath"
	"execcore/internal/types"

	"golang.org/x/sync/errgroup"
)

// ReasonEmergencyFlatten is the close reason of positions closed by FlattenAll.
const ReasonEmergencyFlatten = "EMERGENCY_FLATTEN"

// FlattenReport lists what FlattenAll closed and what it could not.
type FlattenReport struct {
	Closed    []string          `json:"closed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Positions []types.Position  `json:"positions"`
	Cancelled int               `json:"cancelled_sequences"`
}

// AllClosed reports whether every position was closed.
func (r FlattenReport) AllClosed() bool { return len(r.Failed) == 0 }

// FlattenAll cancels running clip sequences, then closes every ledger
// position with a market order on its symbol actor, then asks hedge venues
// to close everything. It keeps going past individual failures.
//
// Symbols of cancelled sequences are flattened even when the snapshot has
// no position for them: a confirm still running on the symbol actor applies
// its partial fill before the queued flatten runs.
func (e *Executor) FlattenAll(ctx context.Context) FlattenReport {
	report := FlattenReport{Failed: make(map[string]string)}
	cancelled := e.cancelInflight()
	report.Cancelled = len(cancelled)
	if e.book == nil {
		return report
	}
	report.Positions = e.book.GetAllPositions()
	symbols := flattenTargets(report.Positions, cancelled)
	logger.Criticalf("executor: emergency flatten of %d position(s), %d sequence(s) cancelled", len(report.Positions), report.Cancelled)

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	eg.SetLimit(8)
	for _, symbol := range symbols {
		eg.Go(func() error {
			var closed bool
			err := e.book.Do(ctx, symbol, func(ctx context.Context) error {
				var err error
				closed, err = e.flattenSymbol(ctx, symbol)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if !closed && err == nil {
				return nil
			}
			if err != nil {
				report.Failed[symbol] = err.Error()
				logger.Criticalf("executor: flatten %s failed: %v", symbol, err)
			} else {
				report.Closed = append(report.Closed, symbol)
			}
			return nil
		})
	}
	_ = eg.Wait()
	sort.Strings(report.Closed)

	for _, gw := range e.venues.Others() {
		if err := gw.CloseAllPositions(ctx); err != nil {
			report.Failed["venue:"+gw.Name()] = err.Error()
			logger.Criticalf("executor: close all on %s failed: %v", gw.Name(), err)
		}
	}

	failed := make([]string, 0, len(report.Failed))
	for k := range report.Failed {
		failed = append(failed, k)
	}
	sort.Strings(failed)
	e.record(ctx, types.EventEmergencyFlatten, map[string]any{
		"closed":    report.Closed,
		"failed":    failed,
		"cancelled": report.Cancelled,
	})
	return report
}

func flattenTargets(positions []types.Position, cancelled []string) []string {
	seen := make(map[string]bool, len(positions)+len(cancelled))
	out := make([]string, 0, len(positions)+len(cancelled))
	for _, pos := range positions {
		if !seen[pos.Symbol] {
			seen[pos.Symbol] = true
			out = append(out, pos.Symbol)
		}
	}
	for _, symbol := range cancelled {
		if !seen[symbol] {
			seen[symbol] = true
			out = append(out, symbol)
		}
	}
	return out
}

// flattenSymbol runs on the symbol actor and re-reads the position there so
// a close that raced the snapshot is not repeated. It reports false when
// the symbol had nothing open.
func (e *Executor) flattenSymbol(ctx context.Context, symbol string) (bool, error) {
	pos, ok := e.book.GetPosition(symbol)
	if !ok {
		return false, nil
	}
	leg := e.placeLeg(ctx, legOrder{
		gw:         e.venues.Primary(),
		symbol:     symbol,
		side:       pos.Side.Opposite(),
		size:       pos.Size,
		ref:        pos.EntryPrice,
		reduceOnly: true,
		tag:        "flatten-" + symbol,
	})
	if !leg.Filled {
		return true, fmt.Errorf("close order not filled: %s", leg.Error)
	}
	if decmath.GTE(leg.FillSize, pos.Size) {
		_, err := e.book.ClosePosition(ctx, symbol, leg.FillPrice, ReasonEmergencyFlatten)
		return true, err
	}
	if _, err := e.book.ClosePartialPosition(ctx, symbol, leg.FillPrice, leg.FillSize, ReasonEmergencyFlatten); err != nil {
		return true, err
	}
	return true, fmt.Errorf("only %.8f of %.8f closed", leg.FillSize, pos.Size)
}
