package ledger

import (
	"context"
	"fmt"
	"strings"

	"execcore/internal/types"
)

// ProcessIntent stores a new PENDING intent keyed by signal_id. A signal_id
// already known to the ledger, in any status or retired within the signal id
// retention, yields ErrDuplicateIntent and leaves state untouched.
func (l *Ledger) ProcessIntent(ctx context.Context, in types.Intent) (types.Intent, error) {
	in.SignalID = strings.TrimSpace(in.SignalID)
	in.Symbol = types.NormalizeSymbol(in.Symbol)
	if in.SignalID == "" || in.Symbol == "" {
		return types.Intent{}, types.Reject(types.CodeSchemaError, "intent requires signal_id and symbol")
	}
	if in.Action == "" {
		in.Action = types.ActionOpen
	}
	var out types.Intent
	err := l.Do(ctx, in.Symbol, func(ctx context.Context) error {
		now := l.nowFn()
		l.mu.Lock()
		if _, exists := l.intents[in.SignalID]; exists {
			l.mu.Unlock()
			return types.ErrDuplicateIntent
		}
		if _, retired := l.retired[in.SignalID]; retired {
			l.mu.Unlock()
			return types.ErrDuplicateIntent
		}
		stored := in.Clone()
		stored.Status = types.IntentPending
		stored.ReceivedAt = now
		stored.UpdatedAt = now
		stored.RejectionReason = ""
		l.intents[stored.SignalID] = &stored
		out = stored.Clone()
		l.mu.Unlock()

		l.saveIntent(ctx, out)
		return nil
	})
	return out, err
}

// ValidateIntent moves a PENDING intent to VALIDATED. Validating an already
// validated intent is a no-op.
func (l *Ledger) ValidateIntent(ctx context.Context, signalID string) (types.Intent, error) {
	return l.transition(ctx, signalID, func(in *types.Intent) (bool, error) {
		switch in.Status {
		case types.IntentPending:
			in.Status = types.IntentValidated
			return true, nil
		case types.IntentValidated:
			return false, nil
		}
		return false, fmt.Errorf("%w: %s is %s", types.ErrIntentTerminal, in.SignalID, in.Status)
	})
}

// RejectIntent marks a live intent REJECTED. No position is touched.
func (l *Ledger) RejectIntent(ctx context.Context, signalID, reason string) (types.Intent, error) {
	return l.transition(ctx, signalID, func(in *types.Intent) (bool, error) {
		if in.Status.Terminal() {
			return false, fmt.Errorf("%w: %s is %s", types.ErrIntentTerminal, in.SignalID, in.Status)
		}
		in.Status = types.IntentRejected
		in.RejectionReason = reason
		return true, nil
	})
}

// ExpireIntent moves a live intent to EXPIRED. An intent that already reached
// a terminal state is left alone and reported without error.
func (l *Ledger) ExpireIntent(ctx context.Context, signalID string) (types.Intent, error) {
	return l.transition(ctx, signalID, func(in *types.Intent) (bool, error) {
		if in.Status.Terminal() {
			return false, nil
		}
		in.Status = types.IntentExpired
		in.RejectionReason = "EXPIRED"
		return true, nil
	})
}

// transition runs mutate on the intent inside its symbol's actor. mutate
// reports whether anything changed.
func (l *Ledger) transition(ctx context.Context, signalID string, mutate func(in *types.Intent) (bool, error)) (types.Intent, error) {
	symbol, ok := l.intentSymbol(signalID)
	if !ok {
		return types.Intent{}, fmt.Errorf("%w: %s", types.ErrNoPriorIntent, signalID)
	}
	var out types.Intent
	err := l.Do(ctx, symbol, func(ctx context.Context) error {
		l.mu.Lock()
		in, ok := l.intents[signalID]
		if !ok {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s", types.ErrNoPriorIntent, signalID)
		}
		changed, err := mutate(in)
		if changed {
			in.UpdatedAt = l.nowFn()
		}
		out = in.Clone()
		l.mu.Unlock()
		if err != nil {
			return err
		}
		if changed {
			l.saveIntent(ctx, out)
		}
		return nil
	})
	return out, err
}

func (l *Ledger) intentSymbol(signalID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	in, ok := l.intents[signalID]
	if !ok {
		return "", false
	}
	return in.Symbol, true
}

// finishIntent sets CONFIRMED on the caller's actor. Caller holds no lock.
func (l *Ledger) finishIntent(ctx context.Context, signalID string) types.Intent {
	l.mu.Lock()
	in := l.intents[signalID]
	in.Status = types.IntentConfirmed
	in.UpdatedAt = l.nowFn()
	out := in.Clone()
	l.mu.Unlock()
	l.saveIntent(ctx, out)
	return out
}

// liveIntent fetches an intent that may still be confirmed.
func (l *Ledger) liveIntent(signalID string) (types.Intent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	in, ok := l.intents[signalID]
	if !ok {
		return types.Intent{}, fmt.Errorf("%w: %s", types.ErrNoPriorIntent, signalID)
	}
	if in.Status.Terminal() {
		return types.Intent{}, fmt.Errorf("%w: %s is %s", types.ErrIntentTerminal, signalID, in.Status)
	}
	return in.Clone(), nil
}
