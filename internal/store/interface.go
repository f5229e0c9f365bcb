package store

import (
	"context"
	"time"

	"execcore/internal/types"
)

// PositionRepository persists the ledger's open positions.
type PositionRepository interface {
	LoadOpenPositions(ctx context.Context) ([]types.Position, error)
	SavePosition(ctx context.Context, pos types.Position) error
	DeletePosition(ctx context.Context, symbol string) error
}

// IntentRepository persists intents so a restart does not forget which
// signal_ids were already seen.
type IntentRepository interface {
	SaveIntent(ctx context.Context, intent types.Intent) error
	LoadIntents(ctx context.Context, since time.Time) ([]types.Intent, error)
	GetIntent(ctx context.Context, signalID string) (types.Intent, bool, error)
	PurgeIntents(ctx context.Context, before time.Time) (int64, error)
}

// TradeRepository is the append-only trade history.
type TradeRepository interface {
	InsertTrade(ctx context.Context, rec types.TradeRecord) error
	ListTrades(ctx context.Context, symbol string, limit int) ([]types.TradeRecord, error)
}

// SystemRepository is the audit trail plus the process-wide checkpoint.
type SystemRepository interface {
	InsertSystemEvent(ctx context.Context, evt types.SystemEvent) error
	ListSystemEvents(ctx context.Context, eventType string, limit int) ([]types.SystemEvent, error)
	LoadSystemState(ctx context.Context) (types.SystemState, bool, error)
	// SavePhaseState writes only the phase-owned columns.
	SavePhaseState(ctx context.Context, equity float64, phase int) error
	// SaveRiskState writes only the breaker-owned columns.
	SaveRiskState(ctx context.Context, st types.SystemState) error
}

// Store is the full persistence collaborator.
type Store interface {
	PositionRepository
	IntentRepository
	TradeRepository
	SystemRepository
	Close() error
}
