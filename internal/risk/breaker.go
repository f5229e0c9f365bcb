// Package risk holds the safety gates: the drawdown circuit breaker, the
// losing-streak cooldown, the master arm and the equity feed behind them.
package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"execcore/internal/events"
	"execcore/internal/executor"
	"execcore/internal/logger"
	"execcore/internal/pkg/decmath"
	"execcore/internal/types"
)

type State int

const (
	StateArmed State = iota
	StateDisarmed
	StateCooldown
	StateTripped
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "ARMED"
	case StateDisarmed:
		return "DISARMED"
	case StateCooldown:
		return "COOLDOWN"
	case StateTripped:
		return "TRIPPED"
	default:
		return "UNKNOWN"
	}
}

// Flattener closes every open position; the executor implements it.
type Flattener interface {
	FlattenAll(ctx context.Context) executor.FlattenReport
}

// StateStore persists the breaker-owned columns of SystemState.
type StateStore interface {
	LoadSystemState(ctx context.Context) (types.SystemState, bool, error)
	SaveRiskState(ctx context.Context, st types.SystemState) error
}

type EventRecorder interface {
	Record(ctx context.Context, typ types.SystemEventType, details map[string]any) types.SystemEvent
}

type Config struct {
	MaxDrawdownPct    float64
	EquityFloor       float64
	ConsecutiveLosses int
	Cooldown          time.Duration
	StartArmed        bool
}

// Breaker trips on drawdown past MaxDrawdownPct from the high watermark, or
// on equity below EquityFloor. A trip flattens everything and stays until an
// operator resets it.
type Breaker struct {
	cfg       Config
	flattener Flattener
	store     StateStore
	recorder  EventRecorder
	publisher events.Publisher
	nowFn     func() time.Time

	mu            sync.Mutex
	masterArm     bool
	tripped       bool
	tripReason    string
	equity        float64
	highWatermark float64
	lossStreak    int
	cooldownUntil time.Time
}

func NewBreaker(cfg Config, flattener Flattener, store StateStore, recorder EventRecorder, publisher events.Publisher) *Breaker {
	if cfg.ConsecutiveLosses <= 0 {
		cfg.ConsecutiveLosses = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Minute
	}
	return &Breaker{
		cfg:       cfg,
		flattener: flattener,
		store:     store,
		recorder:  recorder,
		publisher: publisher,
		nowFn:     time.Now,
		masterArm: cfg.StartArmed,
	}
}

// Restore loads the last checkpoint. A breaker that was tripped before the
// restart comes back tripped.
func (b *Breaker) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	st, ok, err := b.store.LoadSystemState(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if ok {
		b.masterArm = st.MasterArmEnabled
		b.tripped = st.CircuitBreakerTripped
		b.highWatermark = st.HighWatermark
		b.cooldownUntil = st.CooldownUntil
		if b.tripped {
			b.masterArm = false
			b.tripReason = "restored"
		}
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()
	if ok {
		logger.Infof("risk: restored breaker state armed=%v tripped=%v hwm=%.2f", snap.MasterArmEnabled, snap.CircuitBreakerTripped, snap.HighWatermark)
	}
	b.persist(ctx, snap)
	return nil
}

// CheckDrawdown feeds a fresh equity value and trips the breaker when a
// limit is breached. It returns whether the breaker is tripped afterwards.
func (b *Breaker) CheckDrawdown(ctx context.Context, equity float64) bool {
	b.mu.Lock()
	b.equity = equity
	if equity > b.highWatermark {
		b.highWatermark = equity
	}
	if b.tripped {
		b.mu.Unlock()
		return true
	}
	dd := decmath.Drawdown(equity, b.highWatermark)
	var reason string
	switch {
	case dd.GreaterThan(decmath.FromFloat(b.cfg.MaxDrawdownPct)) && b.cfg.MaxDrawdownPct > 0:
		reason = fmt.Sprintf("drawdown %s%% exceeds %.2f%%", dd.Mul(decmath.FromFloat(100)).StringFixed(4), b.cfg.MaxDrawdownPct*100)
	case b.cfg.EquityFloor > 0 && equity < b.cfg.EquityFloor:
		reason = fmt.Sprintf("equity %.2f below floor %.2f", equity, b.cfg.EquityFloor)
	}
	if reason == "" {
		b.mu.Unlock()
		return false
	}
	hwm := b.highWatermark
	b.mu.Unlock()

	b.trip(ctx, reason, map[string]any{
		"equity":         equity,
		"high_watermark": hwm,
		"drawdown":       decmath.ToFloat(dd),
	})
	return true
}

// Trip halts trading immediately, as an operator-initiated emergency stop.
func (b *Breaker) Trip(ctx context.Context, actor, reason string) {
	b.mu.Lock()
	already := b.tripped
	equity := b.equity
	b.mu.Unlock()
	if already {
		return
	}
	if reason == "" {
		reason = "manual"
	}
	b.trip(ctx, reason, map[string]any{"actor": actor, "equity": equity})
}

func (b *Breaker) trip(ctx context.Context, reason string, details map[string]any) {
	b.mu.Lock()
	if b.tripped {
		b.mu.Unlock()
		return
	}
	b.tripped = true
	b.masterArm = false
	b.tripReason = reason
	snap := b.snapshotLocked()
	b.mu.Unlock()

	logger.Criticalf("risk: CIRCUIT BREAKER TRIPPED: %s", reason)
	b.persist(ctx, snap)

	var report executor.FlattenReport
	if b.flattener != nil {
		report = b.flattener.FlattenAll(ctx)
	}
	details["reason"] = reason
	details["closed"] = report.Closed
	details["failed"] = report.Failed
	if b.recorder != nil {
		b.recorder.Record(ctx, types.EventCircuitBreakerTrip, details)
	}
	if b.publisher != nil {
		b.publisher.Publish(events.TopicCircuitBreaker, snap)
		b.publisher.Publish(events.TopicEmergency, report)
	}
}

// RecordTrade feeds a closed trade into the losing-streak counter. Closes
// forced by an emergency flatten are ignored.
func (b *Breaker) RecordTrade(ctx context.Context, rec types.TradeRecord) {
	if rec.CloseReason == executor.ReasonEmergencyFlatten {
		return
	}
	b.mu.Lock()
	if rec.PnL >= 0 {
		b.lossStreak = 0
		b.mu.Unlock()
		return
	}
	b.lossStreak++
	if b.lossStreak < b.cfg.ConsecutiveLosses {
		b.mu.Unlock()
		return
	}
	streak := b.lossStreak
	b.lossStreak = 0
	b.cooldownUntil = b.nowFn().Add(b.cfg.Cooldown)
	until := b.cooldownUntil
	snap := b.snapshotLocked()
	b.mu.Unlock()

	logger.Warnf("risk: %d consecutive losses, entries paused until %s", streak, until.Format(time.RFC3339))
	b.persist(ctx, snap)
	if b.recorder != nil {
		b.recorder.Record(ctx, types.EventCooldownStarted, map[string]any{
			"losses":         streak,
			"cooldown_until": until,
			"last_symbol":    rec.Symbol,
		})
	}
	if b.publisher != nil {
		b.publisher.Publish(events.TopicCircuitBreaker, snap)
	}
}

// AllowEntry gates new OPEN intents. Closing is always allowed.
func (b *Breaker) AllowEntry() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.tripped:
		return types.Reject(types.CodeCircuitBreakerTrip, "circuit breaker tripped: %s", b.tripReason)
	case !b.masterArm:
		return types.Reject(types.CodeMasterArmDisabled, "master arm disabled")
	case b.nowFn().Before(b.cooldownUntil):
		return types.Reject(types.CodeCooldownActive, "cooldown until %s", b.cooldownUntil.Format(time.RFC3339))
	}
	return nil
}

// Reset clears a trip. It needs a named operator and re-bases the high
// watermark on current equity so the same drawdown does not trip again.
func (b *Breaker) Reset(ctx context.Context, actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return fmt.Errorf("reset requires an operator id")
	}
	b.mu.Lock()
	wasTripped := b.tripped
	b.tripped = false
	b.tripReason = ""
	b.masterArm = true
	b.lossStreak = 0
	b.cooldownUntil = time.Time{}
	if b.equity > 0 {
		b.highWatermark = b.equity
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()

	logger.Warnf("risk: breaker reset by %s (was tripped=%v)", actor, wasTripped)
	b.persist(ctx, snap)
	if b.recorder != nil {
		b.recorder.Record(ctx, types.EventCircuitBreakerReset, map[string]any{"actor": actor, "was_tripped": wasTripped, "high_watermark": snap.HighWatermark})
	}
	if b.publisher != nil {
		b.publisher.Publish(events.TopicCircuitBreaker, snap)
	}
	return nil
}

// SetArmed flips the master arm. Arming a tripped breaker is refused; use
// Reset.
func (b *Breaker) SetArmed(ctx context.Context, actor string, armed bool) error {
	b.mu.Lock()
	if armed && b.tripped {
		b.mu.Unlock()
		return types.Reject(types.CodeCircuitBreakerTrip, "breaker tripped, reset required")
	}
	changed := b.masterArm != armed
	b.masterArm = armed
	snap := b.snapshotLocked()
	b.mu.Unlock()
	if !changed {
		return nil
	}
	logger.Warnf("risk: master arm set to %v by %s", armed, actor)
	b.persist(ctx, snap)
	if b.recorder != nil {
		b.recorder.Record(ctx, types.EventMasterArm, map[string]any{"actor": actor, "armed": armed})
	}
	if b.publisher != nil {
		b.publisher.Publish(events.TopicCircuitBreaker, snap)
	}
	return nil
}

// State reports the breaker's view of SystemState.
func (b *Breaker) State() (types.SystemState, State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.snapshotLocked()
	switch {
	case b.tripped:
		return snap, StateTripped
	case !b.masterArm:
		return snap, StateDisarmed
	case b.nowFn().Before(b.cooldownUntil):
		return snap, StateCooldown
	}
	return snap, StateArmed
}

func (b *Breaker) snapshotLocked() types.SystemState {
	return types.SystemState{
		Equity:                b.equity,
		MasterArmEnabled:      b.masterArm,
		CircuitBreakerTripped: b.tripped,
		HighWatermark:         b.highWatermark,
		CooldownUntil:         b.cooldownUntil,
		UpdatedAt:             b.nowFn(),
	}
}

func (b *Breaker) persist(ctx context.Context, st types.SystemState) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveRiskState(context.WithoutCancel(ctx), st); err != nil {
		logger.Errorf("risk: persist breaker state failed: %v", err)
	}
}
