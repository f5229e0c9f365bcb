package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Side is the direction of a position or signal.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide accepts LONG/SHORT in any case. The second return value is false
// for anything else.
func ParseSide(raw string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "LONG":
		return SideLong, true
	case "SHORT":
		return SideShort, true
	default:
		return "", false
	}
}

// Opposite returns the reverse direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Sign is +1 for LONG and -1 for SHORT.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// SignalType is the lifecycle verb carried by an inbound signal.
type SignalType string

const (
	SignalPrepare SignalType = "PREPARE"
	SignalConfirm SignalType = "CONFIRM"
	SignalAbort   SignalType = "ABORT"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalPrepare, SignalConfirm, SignalAbort:
		return true
	}
	return false
}

// IntentAction distinguishes entries from strategy-side exits.
type IntentAction string

const (
	ActionOpen  IntentAction = "OPEN"
	ActionClose IntentAction = "CLOSE"
)

// EntryZone is the price band a strategy expects to fill inside.
type EntryZone struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// UnmarshalJSON accepts either [low, high] or {"low":..,"high":..}.
func (z *EntryZone) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '[' {
		var pair []float64
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("entry_zone must have exactly two bounds, got %d", len(pair))
		}
		z.Low, z.High = pair[0], pair[1]
		if z.Low > z.High {
			z.Low, z.High = z.High, z.Low
		}
		return nil
	}
	type plain EntryZone
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*z = EntryZone(p)
	return nil
}

// Mid returns the midpoint of the zone, or whichever bound is set.
func (z EntryZone) Mid() float64 {
	switch {
	case z.Low > 0 && z.High > 0:
		return (z.Low + z.High) / 2
	case z.High > 0:
		return z.High
	default:
		return z.Low
	}
}

// Signal is an immutable message from an upstream strategy engine.
type Signal struct {
	SignalID     string       `json:"signal_id"`
	Type         SignalType   `json:"type"`
	Source       string       `json:"source"`
	Symbol       string       `json:"symbol"`
	Direction    string       `json:"direction"`
	Action       IntentAction `json:"action,omitempty"`
	StrategyType string       `json:"strategy_type,omitempty"`
	EntryZone    EntryZone    `json:"entry_zone"`
	StopLoss     float64      `json:"stop_loss"`
	TakeProfits  []float64    `json:"take_profits,omitempty"`
	SizeHint     float64      `json:"size_hint,omitempty"`
	Venue        string       `json:"venue,omitempty"`
	CloseSize    float64      `json:"close_size,omitempty"`
	Timestamp    int64        `json:"timestamp"`
}

// Time converts the millisecond timestamp.
func (s Signal) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Side returns the parsed direction; callers must have validated it.
func (s Signal) Side() Side {
	side, _ := ParseSide(s.Direction)
	return side
}

// IntentAction defaults to OPEN when the signal does not say otherwise.
func (s Signal) IntentAction() IntentAction {
	if strings.EqualFold(string(s.Action), string(ActionClose)) {
		return ActionClose
	}
	return ActionOpen
}

// NormalizeSymbol upper-cases and strips separators so "btc/usdt" and
// "BTCUSDT" address the same ledger slot.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}
