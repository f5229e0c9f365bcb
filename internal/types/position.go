package types

import (
	"time"
)

// IntentStatus is the finite lifecycle of an Intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentValidated IntentStatus = "VALIDATED"
	IntentConfirmed IntentStatus = "CONFIRMED"
	IntentRejected  IntentStatus = "REJECTED"
	// IntentExpired is the implicit terminal state of a PREPARE that never
	// saw its CONFIRM/ABORT inside the TTL.
	IntentExpired IntentStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentConfirmed, IntentRejected, IntentExpired:
		return true
	}
	return false
}

// Intent tracks one signal from receipt to confirmed/rejected.
type Intent struct {
	SignalID        string       `json:"signal_id"`
	Source          string       `json:"source"`
	Symbol          string       `json:"symbol"`
	Direction       Side         `json:"direction"`
	Action          IntentAction `json:"action"`
	EntryPrice      float64      `json:"entry_price"`
	StopLoss        float64      `json:"stop_loss"`
	TakeProfits     []float64    `json:"take_profits,omitempty"`
	Size            float64      `json:"size"`
	Status          IntentStatus `json:"status"`
	ReceivedAt      time.Time    `json:"received_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
}

// Clone returns a deep copy safe to hand outside the ledger.
func (i Intent) Clone() Intent {
	cp := i
	if i.TakeProfits != nil {
		cp.TakeProfits = append([]float64(nil), i.TakeProfits...)
	}
	return cp
}

// PositionSource records where the ledger learned about a position.
type PositionSource string

const (
	SourceSignal    PositionSource = "SIGNAL"
	SourceRecovered PositionSource = "RECOVERED"
)

// Position is the ledger's view of an open position. At most one exists per
// symbol.
type Position struct {
	Symbol      string         `json:"symbol"`
	Side        Side           `json:"side"`
	Size        float64        `json:"size"`
	EntryPrice  float64        `json:"entry_price"`
	StopLoss    float64        `json:"stop_loss"`
	TakeProfits []float64      `json:"take_profits,omitempty"`
	SignalID    string         `json:"signal_id"`
	Source      PositionSource `json:"source"`
	OpenedAt    time.Time      `json:"opened_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (p Position) Clone() Position {
	cp := p
	if p.TakeProfits != nil {
		cp.TakeProfits = append([]float64(nil), p.TakeProfits...)
	}
	return cp
}

// Notional is size * entry price.
func (p Position) Notional() float64 {
	return p.Size * p.EntryPrice
}

// FillResult is what the executor reports back for a confirmed intent.
type FillResult struct {
	Filled    bool    `json:"filled"`
	FillPrice float64 `json:"fill_price"`
	FillSize  float64 `json:"fill_size"`
	OrderID   string  `json:"order_id,omitempty"`
}

// TradeRecord is produced by a full or partial close.
type TradeRecord struct {
	SignalID    string    `json:"signal_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	SizeClosed  float64   `json:"size_closed"`
	PnL         float64   `json:"pnl"`
	PnLPct      float64   `json:"pnl_pct"`
	CloseReason string    `json:"close_reason"`
	Partial     bool      `json:"partial"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
}

// BrokerPosition is a position as reported by a BrokerGateway.
type BrokerPosition struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
}
