package types

import "time"

// SystemState is the singular process-wide state. Phase fields are owned by
// the phase manager and the remaining fields by the circuit breaker.
type SystemState struct {
	Equity                float64   `json:"equity"`
	Phase                 int       `json:"phase"`
	MasterArmEnabled      bool      `json:"master_arm_enabled"`
	CircuitBreakerTripped bool      `json:"circuit_breaker_tripped"`
	HighWatermark         float64   `json:"high_watermark"`
	CooldownUntil         time.Time `json:"cooldown_until,omitempty"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// SystemEventType names audit events.
type SystemEventType string

const (
	EventCircuitBreakerTrip  SystemEventType = "CIRCUIT_BREAKER_TRIP"
	EventCircuitBreakerReset SystemEventType = "CIRCUIT_BREAKER_RESET"
	EventCooldownStarted     SystemEventType = "COOLDOWN_STARTED"
	EventMasterArm           SystemEventType = "MASTER_ARM_CHANGED"
	EventEmergencyFlatten    SystemEventType = "EMERGENCY_FLATTEN"
	EventPartialFillDesync   SystemEventType = "PARTIAL_FILL_DESYNC"
	EventCompensationFailed  SystemEventType = "COMPENSATION_FAILED"
	EventReconcileGhost      SystemEventType = "RECONCILE_GHOST"
	EventReconcileOrphan     SystemEventType = "RECONCILE_ORPHAN"
	EventReconcileMismatch   SystemEventType = "RECONCILE_MISMATCH"
	EventPhaseTransition     SystemEventType = "PHASE_TRANSITION"
)

// SystemEvent is a durable audit record.
type SystemEvent struct {
	ID        string          `json:"id"`
	Type      SystemEventType `json:"event_type"`
	Details   map[string]any  `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DiscrepancyKind classifies a reconciliation difference.
type DiscrepancyKind string

const (
	DiscrepancyGhost    DiscrepancyKind = "GHOST"
	DiscrepancyOrphan   DiscrepancyKind = "ORPHAN"
	DiscrepancyMismatch DiscrepancyKind = "MISMATCH"
)

// Discrepancy is transient; it is resolved as soon as it is produced.
type Discrepancy struct {
	Kind       DiscrepancyKind `json:"kind"`
	Symbol     string          `json:"symbol"`
	LedgerSize float64         `json:"ledger_size"`
	BrokerSize float64         `json:"broker_size"`
	Resolved   bool            `json:"resolved"`
	Note       string          `json:"note,omitempty"`
}

// PhaseTransition is emitted when equity moves the system between tiers.
type PhaseTransition struct {
	OldPhase           int       `json:"old_phase"`
	NewPhase           int       `json:"new_phase"`
	EquityAtTransition float64   `json:"equity_at_transition"`
	Timestamp          time.Time `json:"timestamp"`
}

// RiskParameters are the sizing limits of the active phase.
type RiskParameters struct {
	RiskPct     float64 `json:"risk_pct"`
	MaxLeverage float64 `json:"max_leverage"`
}
