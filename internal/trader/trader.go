// Package trader glues admitted signals to the ledger and the executor: a
// PREPARE registers an intent, a CONFIRM executes and settles it, an ABORT
// cancels it.
package trader

import (
	"context"
	"fmt"

	"execcore/internal/executor"
	"execcore/internal/logger"
	"execcore/internal/types"
)

// Ledger is the position ledger surface the handlers drive.
type Ledger interface {
	ProcessIntent(ctx context.Context, in types.Intent) (types.Intent, error)
	ValidateIntent(ctx context.Context, signalID string) (types.Intent, error)
	RejectIntent(ctx context.Context, signalID, reason string) (types.Intent, error)
	ConfirmExecution(ctx context.Context, signalID string, fill types.FillResult) (types.Position, error)
	ConfirmClose(ctx context.Context, signalID string, fill types.FillResult, reason string) (*types.TradeRecord, error)
	GetIntent(signalID string) (types.Intent, bool)
	GetPosition(symbol string) (types.Position, bool)
	GetAllPositions() []types.Position
	IsZombieSignal(symbol string) bool
	Do(ctx context.Context, symbol string, fn func(ctx context.Context) error) error
}

type Executor interface {
	ExecuteAtomic(ctx context.Context, req executor.Request) (executor.Result, error)
}

// EntryGate is the circuit breaker's entry check.
type EntryGate interface {
	AllowEntry() error
}

// EquitySource returns fresh equity or an EQUITY_STALE rejection.
type EquitySource interface {
	Fresh() (float64, error)
}

type RiskSource interface {
	RiskParameters() (types.RiskParameters, bool)
}

// Outcome is the handler result carried back in the route response.
type Outcome struct {
	SignalID  string             `json:"signal_id"`
	Type      types.SignalType   `json:"type"`
	Status    types.IntentStatus `json:"status"`
	Intent    *types.Intent      `json:"intent,omitempty"`
	Position  *types.Position    `json:"position,omitempty"`
	Trade     *types.TradeRecord `json:"trade,omitempty"`
	Execution *executor.Result   `json:"execution,omitempty"`
	Absorbed  bool               `json:"absorbed,omitempty"`
	Note      string             `json:"note,omitempty"`
}

type Trader struct {
	ledger   Ledger
	executor Executor
	gate     EntryGate
	equity   EquitySource
	risk     RiskSource
	registry *HandlerRegistry
}

func New(ledger Ledger, exec Executor, gate EntryGate, equity EquitySource, risk RiskSource) *Trader {
	reg := NewHandlerRegistry()
	reg.RegisterDefaultHandlers()
	return &Trader{
		ledger:   ledger,
		executor: exec,
		gate:     gate,
		equity:   equity,
		risk:     risk,
		registry: reg,
	}
}

// Handle implements the router's handler contract.
func (t *Trader) Handle(ctx context.Context, sig types.Signal) (any, error) {
	h, ok := t.registry.Get(sig.Type)
	if !ok {
		return nil, types.Reject(types.CodeSchemaError, "unsupported signal type %q", sig.Type)
	}
	out, err := h.Handle(ctx, t, sig)
	if err != nil {
		return nil, err
	}
	out.SignalID = sig.SignalID
	out.Type = sig.Type
	return out, nil
}

// rejectWith marks the intent REJECTED and returns err. A failure to reject
// is logged; the original error wins.
func (t *Trader) rejectWith(ctx context.Context, signalID string, code types.Code, err error) error {
	if _, rerr := t.ledger.RejectIntent(ctx, signalID, string(code)); rerr != nil {
		logger.Warnf("trader: reject intent %s failed: %v", signalID, rerr)
	}
	if err == nil {
		err = fmt.Errorf("%s", code)
	}
	return err
}
