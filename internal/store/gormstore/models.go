package gormstore

import (
	"encoding/json"
	"time"

	"execcore/internal/types"

	"gorm.io/datatypes"
)

type positionModel struct {
	Symbol          string         `gorm:"column:symbol;primaryKey"`
	Side            string         `gorm:"column:side"`
	Size            float64        `gorm:"column:size"`
	EntryPrice      float64        `gorm:"column:entry_price"`
	StopLoss        float64        `gorm:"column:stop_loss"`
	TakeProfitsJSON datatypes.JSON `gorm:"column:take_profits;type:TEXT"`
	SignalID        string         `gorm:"column:signal_id"`
	Source          string         `gorm:"column:source"`
	OpenedAtUnix    int64          `gorm:"column:opened_at"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
}

func (positionModel) TableName() string { return "positions" }

type intentModel struct {
	SignalID        string         `gorm:"column:signal_id;primaryKey"`
	Source          string         `gorm:"column:source"`
	Symbol          string         `gorm:"column:symbol;index"`
	Direction       string         `gorm:"column:direction"`
	Action          string         `gorm:"column:action"`
	EntryPrice      float64        `gorm:"column:entry_price"`
	StopLoss        float64        `gorm:"column:stop_loss"`
	TakeProfitsJSON datatypes.JSON `gorm:"column:take_profits;type:TEXT"`
	Size            float64        `gorm:"column:size"`
	Status          string         `gorm:"column:status;index"`
	RejectionReason string         `gorm:"column:rejection_reason"`
	ReceivedAtUnix  int64          `gorm:"column:received_at;index"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
}

func (intentModel) TableName() string { return "intents" }

type tradeModel struct {
	ID           int64   `gorm:"column:id;primaryKey;autoIncrement"`
	SignalID     string  `gorm:"column:signal_id"`
	Symbol       string  `gorm:"column:symbol;index"`
	Side         string  `gorm:"column:side"`
	EntryPrice   float64 `gorm:"column:entry_price"`
	ExitPrice    float64 `gorm:"column:exit_price"`
	SizeClosed   float64 `gorm:"column:size_closed"`
	PnL          float64 `gorm:"column:pnl"`
	PnLPct       float64 `gorm:"column:pnl_pct"`
	CloseReason  string  `gorm:"column:close_reason"`
	Partial      bool    `gorm:"column:partial"`
	OpenedAtUnix int64   `gorm:"column:opened_at"`
	ClosedAtUnix int64   `gorm:"column:closed_at;index"`
}

func (tradeModel) TableName() string { return "trades" }

type systemEventModel struct {
	ID          string         `gorm:"column:id;primaryKey"`
	EventType   string         `gorm:"column:event_type;index"`
	DetailsJSON datatypes.JSON `gorm:"column:details;type:TEXT"`
	CreatedUnix int64          `gorm:"column:created_at;index"`
}

func (systemEventModel) TableName() string { return "system_events" }

// systemStateModel is a single row keyed by id=1.
type systemStateModel struct {
	ID                    int     `gorm:"column:id;primaryKey"`
	Equity                float64 `gorm:"column:equity"`
	Phase                 int     `gorm:"column:phase"`
	MasterArmEnabled      bool    `gorm:"column:master_arm_enabled"`
	CircuitBreakerTripped bool    `gorm:"column:circuit_breaker_tripped"`
	HighWatermark         float64 `gorm:"column:high_watermark"`
	CooldownUntilUnix     int64   `gorm:"column:cooldown_until"`
	UpdatedAtUnix         int64   `gorm:"column:updated_at"`
}

func (systemStateModel) TableName() string { return "system_state" }

const systemStateRowID = 1

func encodeFloats(vals []float64) datatypes.JSON {
	if len(vals) == 0 {
		return nil
	}
	raw, err := json.Marshal(vals)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func decodeFloats(raw datatypes.JSON) []float64 {
	if len(raw) == 0 {
		return nil
	}
	var out []float64
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func newPositionModel(p types.Position) positionModel {
	return positionModel{
		Symbol:          p.Symbol,
		Side:            string(p.Side),
		Size:            p.Size,
		EntryPrice:      p.EntryPrice,
		StopLoss:        p.StopLoss,
		TakeProfitsJSON: encodeFloats(p.TakeProfits),
		SignalID:        p.SignalID,
		Source:          string(p.Source),
		OpenedAtUnix:    unixOrZero(p.OpenedAt),
		UpdatedAtUnix:   unixOrZero(p.UpdatedAt),
	}
}

func (m positionModel) toPosition() types.Position {
	return types.Position{
		Symbol:      m.Symbol,
		Side:        types.Side(m.Side),
		Size:        m.Size,
		EntryPrice:  m.EntryPrice,
		StopLoss:    m.StopLoss,
		TakeProfits: decodeFloats(m.TakeProfitsJSON),
		SignalID:    m.SignalID,
		Source:      types.PositionSource(m.Source),
		OpenedAt:    timeOrZero(m.OpenedAtUnix),
		UpdatedAt:   timeOrZero(m.UpdatedAtUnix),
	}
}

func newIntentModel(i types.Intent) intentModel {
	return intentModel{
		SignalID:        i.SignalID,
		Source:          i.Source,
		Symbol:          i.Symbol,
		Direction:       string(i.Direction),
		Action:          string(i.Action),
		EntryPrice:      i.EntryPrice,
		StopLoss:        i.StopLoss,
		TakeProfitsJSON: encodeFloats(i.TakeProfits),
		Size:            i.Size,
		Status:          string(i.Status),
		RejectionReason: i.RejectionReason,
		ReceivedAtUnix:  unixOrZero(i.ReceivedAt),
		UpdatedAtUnix:   unixOrZero(i.UpdatedAt),
	}
}

func (m intentModel) toIntent() types.Intent {
	return types.Intent{
		SignalID:        m.SignalID,
		Source:          m.Source,
		Symbol:          m.Symbol,
		Direction:       types.Side(m.Direction),
		Action:          types.IntentAction(m.Action),
		EntryPrice:      m.EntryPrice,
		StopLoss:        m.StopLoss,
		TakeProfits:     decodeFloats(m.TakeProfitsJSON),
		Size:            m.Size,
		Status:          types.IntentStatus(m.Status),
		RejectionReason: m.RejectionReason,
		ReceivedAt:      timeOrZero(m.ReceivedAtUnix),
		UpdatedAt:       timeOrZero(m.UpdatedAtUnix),
	}
}

func newTradeModel(r types.TradeRecord) tradeModel {
	return tradeModel{
		SignalID:     r.SignalID,
		Symbol:       r.Symbol,
		Side:         string(r.Side),
		EntryPrice:   r.EntryPrice,
		ExitPrice:    r.ExitPrice,
		SizeClosed:   r.SizeClosed,
		PnL:          r.PnL,
		PnLPct:       r.PnLPct,
		CloseReason:  r.CloseReason,
		Partial:      r.Partial,
		OpenedAtUnix: unixOrZero(r.OpenedAt),
		ClosedAtUnix: unixOrZero(r.ClosedAt),
	}
}

func (m tradeModel) toTrade() types.TradeRecord {
	return types.TradeRecord{
		SignalID:    m.SignalID,
		Symbol:      m.Symbol,
		Side:        types.Side(m.Side),
		EntryPrice:  m.EntryPrice,
		ExitPrice:   m.ExitPrice,
		SizeClosed:  m.SizeClosed,
		PnL:         m.PnL,
		PnLPct:      m.PnLPct,
		CloseReason: m.CloseReason,
		Partial:     m.Partial,
		OpenedAt:    timeOrZero(m.OpenedAtUnix),
		ClosedAt:    timeOrZero(m.ClosedAtUnix),
	}
}

func (m systemEventModel) toEvent() types.SystemEvent {
	evt := types.SystemEvent{
		ID:        m.ID,
		Type:      types.SystemEventType(m.EventType),
		Timestamp: timeOrZero(m.CreatedUnix),
	}
	if len(m.DetailsJSON) > 0 {
		_ = json.Unmarshal(m.DetailsJSON, &evt.Details)
	}
	return evt
}

func (m systemStateModel) toState() types.SystemState {
	return types.SystemState{
		Equity:                m.Equity,
		Phase:                 m.Phase,
		MasterArmEnabled:      m.MasterArmEnabled,
		CircuitBreakerTripped: m.CircuitBreakerTripped,
		HighWatermark:         m.HighWatermark,
		CooldownUntil:         timeOrZero(m.CooldownUntilUnix),
		UpdatedAt:             timeOrZero(m.UpdatedAtUnix),
	}
}
