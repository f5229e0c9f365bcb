package ledger

import (
	"context"
	"fmt"

	"execcore/internal/logger"
	"execcore/internal/pkg/decmath"
	"execcore/internal/types"
)

// Close reasons produced by the ledger itself.
const (
	ReasonOppositeFill = "OPPOSITE_FILL"
	ReasonSignalClose  = "SIGNAL_CLOSE"
)

// ConfirmExecution applies a broker fill to the position of the intent's
// symbol and marks the intent CONFIRMED. A same-side fill pyramids with a
// size-weighted entry; an opposite-side fill nets the position down and, when
// larger than the open size, flips it. The returned position has Size 0 when
// the fill closed it exactly.
func (l *Ledger) ConfirmExecution(ctx context.Context, signalID string, fill types.FillResult) (types.Position, error) {
	symbol, ok := l.intentSymbol(signalID)
	if !ok {
		return types.Position{}, fmt.Errorf("%w: %s", types.ErrNoPriorIntent, signalID)
	}
	var out types.Position
	err := l.Do(ctx, symbol, func(ctx context.Context) error {
		in, err := l.liveIntent(signalID)
		if err != nil {
			return err
		}
		if err := checkFill(fill); err != nil {
			return err
		}
		out = l.applyFill(ctx, in, fill)
		l.finishIntent(ctx, signalID)
		return nil
	})
	return out, err
}

// ConfirmClose settles a CLOSE intent against its filled reduce-only order.
// It returns nil when the position disappeared before the fill was applied.
func (l *Ledger) ConfirmClose(ctx context.Context, signalID string, fill types.FillResult, reason string) (*types.TradeRecord, error) {
	symbol, ok := l.intentSymbol(signalID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoPriorIntent, signalID)
	}
	var out *types.TradeRecord
	err := l.Do(ctx, symbol, func(ctx context.Context) error {
		if _, err := l.liveIntent(signalID); err != nil {
			return err
		}
		if err := checkFill(fill); err != nil {
			return err
		}
		rec, err := l.closeLocked(ctx, symbol, fill.FillPrice, fill.FillSize, reason)
		if err != nil {
			return err
		}
		out = rec
		l.finishIntent(ctx, signalID)
		return nil
	})
	return out, err
}

func checkFill(fill types.FillResult) error {
	if !fill.Filled {
		return types.ErrNotFilled
	}
	if fill.FillSize <= 0 || fill.FillPrice <= 0 {
		return types.Reject(types.CodeInvalidFill, "fill size %.8f price %.8f", fill.FillSize, fill.FillPrice)
	}
	return nil
}

// applyFill must run on the symbol actor.
func (l *Ledger) applyFill(ctx context.Context, in types.Intent, fill types.FillResult) types.Position {
	now := l.nowFn()
	l.mu.Lock()
	cur, exists := l.positions[in.Symbol]
	if !exists {
		pos := types.Position{
			Symbol:      in.Symbol,
			Side:        in.Direction,
			Size:        fill.FillSize,
			EntryPrice:  fill.FillPrice,
			StopLoss:    in.StopLoss,
			TakeProfits: append([]float64(nil), in.TakeProfits...),
			SignalID:    in.SignalID,
			Source:      types.SourceSignal,
			OpenedAt:    now,
			UpdatedAt:   now,
		}
		l.positions[in.Symbol] = &pos
		out := pos.Clone()
		l.mu.Unlock()
		logger.Infof("ledger: opened %s %s %.8f @ %.8f (%s)", out.Side, out.Symbol, out.Size, out.EntryPrice, in.SignalID)
		l.savePosition(ctx, out)
		return out
	}

	if cur.Side == in.Direction {
		cur.EntryPrice = decmath.WeightedAverage(cur.EntryPrice, cur.Size, fill.FillPrice, fill.FillSize)
		cur.Size = decmath.Add(cur.Size, fill.FillSize)
		if in.StopLoss > 0 {
			cur.StopLoss = in.StopLoss
		}
		if len(in.TakeProfits) > 0 {
			cur.TakeProfits = append([]float64(nil), in.TakeProfits...)
		}
		cur.SignalID = in.SignalID
		cur.UpdatedAt = now
		out := cur.Clone()
		l.mu.Unlock()
		logger.Infof("ledger: pyramided %s %s to %.8f @ %.8f (%s)", out.Side, out.Symbol, out.Size, out.EntryPrice, in.SignalID)
		l.savePosition(ctx, out)
		return out
	}

	openSize := cur.Size
	l.mu.Unlock()

	closeSize := fill.FillSize
	if decmath.GT(closeSize, openSize) {
		closeSize = openSize
	}
	// The position exists and the size is clamped, so this cannot fail.
	_, _ = l.closeLocked(ctx, in.Symbol, fill.FillPrice, closeSize, ReasonOppositeFill)

	remainder := decmath.Sub(fill.FillSize, closeSize)
	if decmath.IsZero(remainder) || remainder < 0 {
		if pos, ok := l.GetPosition(in.Symbol); ok {
			return pos
		}
		return types.Position{Symbol: in.Symbol, Side: cur.Side, UpdatedAt: now}
	}
	flipped := fill
	flipped.FillSize = remainder
	logger.Infof("ledger: %s flipped to %s with %.8f", in.Symbol, in.Direction, remainder)
	return l.applyFill(ctx, in, flipped)
}

// ClosePosition fully closes symbol's position. With no position it returns
// nil and no error so a duplicate close is harmless.
func (l *Ledger) ClosePosition(ctx context.Context, symbol string, exitPrice float64, reason string) (*types.TradeRecord, error) {
	symbol = types.NormalizeSymbol(symbol)
	var out *types.TradeRecord
	err := l.Do(ctx, symbol, func(ctx context.Context) error {
		pos, ok := l.GetPosition(symbol)
		if !ok {
			return nil
		}
		rec, err := l.closeLocked(ctx, symbol, exitPrice, pos.Size, reason)
		out = rec
		return err
	})
	return out, err
}

// ClosePartialPosition closes closeSize of the position and leaves the
// residual open. A closeSize at or above the open size closes fully.
func (l *Ledger) ClosePartialPosition(ctx context.Context, symbol string, exitPrice, closeSize float64, reason string) (*types.TradeRecord, error) {
	symbol = types.NormalizeSymbol(symbol)
	if closeSize <= 0 {
		return nil, types.Reject(types.CodeInvalidSize, "close size must be positive")
	}
	var out *types.TradeRecord
	err := l.Do(ctx, symbol, func(ctx context.Context) error {
		rec, err := l.closeLocked(ctx, symbol, exitPrice, closeSize, reason)
		out = rec
		return err
	})
	return out, err
}

// closeLocked must run on the symbol actor. It returns nil when there is no
// position to close.
func (l *Ledger) closeLocked(ctx context.Context, symbol string, exitPrice, size float64, reason string) (*types.TradeRecord, error) {
	if exitPrice <= 0 {
		return nil, types.Reject(types.CodeInvalidFill, "exit price must be positive")
	}
	now := l.nowFn()
	l.mu.Lock()
	cur, ok := l.positions[symbol]
	if !ok {
		l.mu.Unlock()
		return nil, nil
	}
	full := decmath.GTE(size, cur.Size)
	if full {
		size = cur.Size
	}
	pnl, pct := decmath.PnL(cur.Side.Sign(), cur.EntryPrice, exitPrice, size)
	rec := types.TradeRecord{
		SignalID:    cur.SignalID,
		Symbol:      symbol,
		Side:        cur.Side,
		EntryPrice:  cur.EntryPrice,
		ExitPrice:   exitPrice,
		SizeClosed:  size,
		PnL:         pnl,
		PnLPct:      pct,
		CloseReason: reason,
		Partial:     !full,
		OpenedAt:    cur.OpenedAt,
		ClosedAt:    now,
	}
	var snapshot types.Position
	if full {
		snapshot = cur.Clone()
		delete(l.positions, symbol)
	} else {
		cur.Size = decmath.Sub(cur.Size, size)
		cur.UpdatedAt = now
		snapshot = cur.Clone()
	}
	l.mu.Unlock()

	if full {
		logger.Infof("ledger: closed %s %s %.8f @ %.8f pnl=%.4f (%s)", rec.Side, symbol, size, exitPrice, pnl, reason)
		l.deletePosition(ctx, snapshot)
	} else {
		logger.Infof("ledger: reduced %s %s by %.8f @ %.8f pnl=%.4f, %.8f left (%s)", rec.Side, symbol, size, exitPrice, pnl, snapshot.Size, reason)
		l.savePosition(ctx, snapshot)
	}
	l.recordTrade(ctx, rec)
	return &rec, nil
}

// ---------------- reconciliation corrections -------------------

// AdoptPosition inserts a broker-reported position the ledger did not know
// about. It has no originating signal. An existing position is left alone.
func (l *Ledger) AdoptPosition(ctx context.Context, bp types.BrokerPosition) (types.Position, bool, error) {
	symbol := types.NormalizeSymbol(bp.Symbol)
	var (
		out     types.Position
		adopted bool
	)
	err := l.Do(ctx, symbol, func(ctx context.Context) error {
		if bp.Size <= 0 {
			return types.Reject(types.CodeInvalidSize, "adopted size must be positive")
		}
		now := l.nowFn()
		l.mu.Lock()
		if cur, ok := l.positions[symbol]; ok {
			out = cur.Clone()
			l.mu.Unlock()
			return nil
		}
		pos := types.Position{
			Symbol:     symbol,
			Side:       bp.Side,
			Size:       bp.Size,
			EntryPrice: bp.EntryPrice,
			Source:     types.SourceRecovered,
			OpenedAt:   now,
			UpdatedAt:  now,
		}
		l.positions[symbol] = &pos
		out = pos.Clone()
		adopted = true
		l.mu.Unlock()
		l.savePosition(ctx, out)
		return nil
	})
	return out, adopted, err
}

// RemovePosition drops a position that no longer exists at the broker. No
// trade record is written since no exit price is known.
func (l *Ledger) RemovePosition(ctx context.Context, symbol string) (types.Position, bool, error) {
	symbol = types.NormalizeSymbol(symbol)
	var (
		out     types.Position
		removed bool
	)
	err := l.Do(ctx, symbol, func(ctx context.Context) error {
		l.mu.Lock()
		cur, ok := l.positions[symbol]
		if !ok {
			l.mu.Unlock()
			return nil
		}
		out = cur.Clone()
		delete(l.positions, symbol)
		removed = true
		l.mu.Unlock()
		l.deletePosition(ctx, out)
		return nil
	})
	return out, removed, err
}

// ResizePosition overwrites size (and side, when the broker disagrees) with
// the broker's view. Entry price and provenance are kept.
func (l *Ledger) ResizePosition(ctx context.Context, bp types.BrokerPosition) (types.Position, bool, error) {
	symbol := types.NormalizeSymbol(bp.Symbol)
	var (
		out     types.Position
		resized bool
	)
	err := l.Do(ctx, symbol, func(ctx context.Context) error {
		if bp.Size <= 0 {
			return types.Reject(types.CodeInvalidSize, "resize target must be positive")
		}
		l.mu.Lock()
		cur, ok := l.positions[symbol]
		if !ok {
			l.mu.Unlock()
			return nil
		}
		if decmath.ApproxEqual(cur.Size, bp.Size) && (bp.Side == "" || bp.Side == cur.Side) {
			out = cur.Clone()
			l.mu.Unlock()
			return nil
		}
		cur.Size = bp.Size
		if bp.Side != "" && bp.Side != cur.Side {
			cur.Side = bp.Side
			if bp.EntryPrice > 0 {
				cur.EntryPrice = bp.EntryPrice
			}
		}
		cur.UpdatedAt = l.nowFn()
		out = cur.Clone()
		resized = true
		l.mu.Unlock()
		l.savePosition(ctx, out)
		return nil
	})
	return out, resized, err
}
