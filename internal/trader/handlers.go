package trader

import (
	"context"
	"fmt"
	"strings"

	"execcore/internal/executor"
	"execcore/internal/ledger"
	"execcore/internal/logger"
	"execcore/internal/pkg/decmath"
	"execcore/internal/types"
)

// ReasonAborted is stored on intents cancelled by an ABORT signal.
const ReasonAborted = "ABORTED"

type PrepareHandler struct{}

func (h *PrepareHandler) Type() types.SignalType { return types.SignalPrepare }

func (h *PrepareHandler) Handle(ctx context.Context, t *Trader, sig types.Signal) (Outcome, error) {
	in := types.Intent{
		SignalID:    sig.SignalID,
		Source:      sig.Source,
		Symbol:      sig.Symbol,
		Direction:   sig.Side(),
		Action:      sig.IntentAction(),
		EntryPrice:  sig.EntryZone.Mid(),
		StopLoss:    sig.StopLoss,
		TakeProfits: sig.TakeProfits,
	}

	if in.Action == types.ActionOpen {
		if t.gate != nil {
			if err := t.gate.AllowEntry(); err != nil {
				return Outcome{}, err
			}
		}
		equity, err := t.equity.Fresh()
		if err != nil {
			return Outcome{}, err
		}
		params, ok := t.risk.RiskParameters()
		if !ok {
			return Outcome{}, types.Reject(types.CodePhaseNotDetermined, "Phase not determined")
		}
		size, err := positionSize(sig, equity, params)
		if err != nil {
			return Outcome{}, err
		}
		symbol := types.NormalizeSymbol(sig.Symbol)
		if err := checkExposure(t.ledger.GetAllPositions(), symbol, in.Direction, size, in.EntryPrice, equity, params); err != nil {
			return Outcome{}, err
		}
		in.Size = size
	} else {
		if sig.CloseSize < 0 {
			return Outcome{}, types.Reject(types.CodeInvalidSize, "close_size %.8f", sig.CloseSize)
		}
		in.Size = sig.CloseSize
	}

	stored, err := t.ledger.ProcessIntent(ctx, in)
	if err != nil {
		return Outcome{}, err
	}
	logger.Infof("trader: PREPARE %s %s %s %s size=%.8f", stored.SignalID, stored.Action, stored.Direction, stored.Symbol, stored.Size)
	return Outcome{Status: stored.Status, Intent: &stored}, nil
}

type ConfirmHandler struct{}

func (h *ConfirmHandler) Type() types.SignalType { return types.SignalConfirm }

// Handle validates, executes and settles the intent on the symbol actor, so
// nothing else touches the symbol between the order and the ledger update.
// Execution is detached from caller cancellation; a running clip sequence is
// stopped only through the executor.
func (h *ConfirmHandler) Handle(ctx context.Context, t *Trader, sig types.Signal) (Outcome, error) {
	in, ok := t.ledger.GetIntent(sig.SignalID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", types.ErrNoPriorIntent, sig.SignalID)
	}
	ctx = context.WithoutCancel(ctx)

	var out Outcome
	err := t.ledger.Do(ctx, in.Symbol, func(ctx context.Context) error {
		validated, err := t.ledger.ValidateIntent(ctx, in.SignalID)
		if err != nil {
			return err
		}
		if validated.Action == types.ActionClose {
			out, err = t.confirmClose(ctx, validated, sig.Venue)
		} else {
			out, err = t.confirmOpen(ctx, validated, sig.Venue)
		}
		return err
	})
	return out, err
}

func (t *Trader) confirmOpen(ctx context.Context, in types.Intent, venue string) (Outcome, error) {
	res, err := t.executor.ExecuteAtomic(ctx, executor.Request{
		Tag:      in.SignalID,
		Symbol:   in.Symbol,
		Side:     in.Direction,
		Size:     in.Size,
		RefPrice: in.EntryPrice,
		Venue:    venue,
	})
	if err != nil {
		return Outcome{}, t.rejectWith(ctx, in.SignalID, codeOr(err, types.CodeBrokerError), err)
	}
	out := Outcome{Execution: &res}
	fill := res.Fill()
	if !fill.Filled {
		reason := res.Reason
		if reason == "" {
			reason = types.CodeNotFilled
		}
		return Outcome{}, t.rejectWith(ctx, in.SignalID, reason, types.Reject(reason, "%s", strings.TrimSpace(res.Detail+" nothing filled")))
	}

	pos, err := t.ledger.ConfirmExecution(ctx, in.SignalID, fill)
	if err != nil {
		// The broker holds exposure the ledger refused; reconciliation
		// adopts it on the next pass.
		logger.Errorf("trader: %s filled %.8f @ %.8f but ledger refused: %v", in.SignalID, fill.FillSize, fill.FillPrice, err)
		return Outcome{}, err
	}
	out.Status = types.IntentConfirmed
	if pos.Size > 0 {
		out.Position = &pos
	}
	if !res.Success {
		out.Note = fmt.Sprintf("partial execution %d/%d clips: %s", res.ClipsDone, res.Clips, res.Reason)
	}
	return out, nil
}

// confirmClose settles a CLOSE intent. A close for a symbol with no
// position is absorbed: the intent is rejected and the caller sees success.
func (t *Trader) confirmClose(ctx context.Context, in types.Intent, venue string) (Outcome, error) {
	if t.ledger.IsZombieSignal(in.Symbol) {
		if _, err := t.ledger.RejectIntent(ctx, in.SignalID, string(types.CodeZombieSignal)); err != nil {
			return Outcome{}, err
		}
		logger.Infof("trader: CLOSE %s for %s absorbed, no open position", in.SignalID, in.Symbol)
		return Outcome{Status: types.IntentRejected, Absorbed: true, Note: string(types.CodeZombieSignal)}, nil
	}
	pos, _ := t.ledger.GetPosition(in.Symbol)

	size := pos.Size
	if in.Size > 0 && decmath.LT(in.Size, pos.Size) {
		size = in.Size
	}
	res, err := t.executor.ExecuteAtomic(ctx, executor.Request{
		Tag:        in.SignalID,
		Symbol:     in.Symbol,
		Side:       pos.Side.Opposite(),
		Size:       size,
		RefPrice:   in.EntryPrice,
		ReduceOnly: true,
		Venue:      venue,
	})
	if err != nil {
		return Outcome{}, t.rejectWith(ctx, in.SignalID, codeOr(err, types.CodeBrokerError), err)
	}
	fill := res.Fill()
	if !fill.Filled {
		reason := res.Reason
		if reason == "" {
			reason = types.CodeNotFilled
		}
		return Outcome{}, t.rejectWith(ctx, in.SignalID, reason, types.Reject(reason, "close for %s not filled", in.Symbol))
	}
	rec, err := t.ledger.ConfirmClose(ctx, in.SignalID, fill, ledger.ReasonSignalClose)
	if err != nil {
		logger.Errorf("trader: close %s filled %.8f but ledger refused: %v", in.SignalID, fill.FillSize, err)
		return Outcome{}, err
	}
	out := Outcome{Status: types.IntentConfirmed, Trade: rec, Execution: &res}
	if left, ok := t.ledger.GetPosition(in.Symbol); ok {
		out.Position = &left
	}
	return out, nil
}

type AbortHandler struct{}

func (h *AbortHandler) Type() types.SignalType { return types.SignalAbort }

func (h *AbortHandler) Handle(ctx context.Context, t *Trader, sig types.Signal) (Outcome, error) {
	in, err := t.ledger.RejectIntent(ctx, sig.SignalID, ReasonAborted)
	if err != nil {
		return Outcome{}, err
	}
	logger.Infof("trader: ABORT %s %s", in.SignalID, in.Symbol)
	return Outcome{Status: in.Status, Intent: &in}, nil
}

func codeOr(err error, fallback types.Code) types.Code {
	if code := types.CodeOf(err); code != "" {
		return code
	}
	return fallback
}
