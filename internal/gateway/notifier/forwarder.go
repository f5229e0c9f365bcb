package notifier

import (
	"context"
	"fmt"
	"time"

	"execcore/internal/events"
	"execcore/internal/executor"
	"execcore/internal/logger"
	"execcore/internal/types"
)

// Subscriber is the bus surface the forwarder listens on.
type Subscriber interface {
	Subscribe(buffer int, topics ...events.Topic) (<-chan events.Event, func())
}

// alertTypes are the system events an operator is paged for.
var alertTypes = map[types.SystemEventType]string{
	types.EventCircuitBreakerTrip:  "🛑",
	types.EventCircuitBreakerReset: "✅",
	types.EventCooldownStarted:     "⏸",
	types.EventMasterArm:           "🔑",
	types.EventEmergencyFlatten:    "🚨",
	types.EventPartialFillDesync:   "⚠️",
	types.EventCompensationFailed:  "🚨",
	types.EventReconcileGhost:      "👻",
	types.EventReconcileOrphan:     "🧩",
	types.EventReconcileMismatch:   "📏",
}

// Forwarder turns critical bus events into operator alerts.
type Forwarder struct {
	bus    Subscriber
	sink   TextNotifier
	buffer int
}

func NewForwarder(bus Subscriber, sink TextNotifier) *Forwarder {
	return &Forwarder{bus: bus, sink: sink, buffer: 256}
}

func (f *Forwarder) Run(ctx context.Context) error {
	ch, cancel := f.bus.Subscribe(f.buffer, events.TopicSystemEvent, events.TopicPhaseTransition)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, ok := Format(evt)
			if !ok {
				continue
			}
			if err := f.sink.SendText(msg.RenderMarkdown()); err != nil {
				logger.Warnf("notifier: send %s failed: %v", msg.Title, err)
			}
		}
	}
}

// Format builds the alert for evt. ok is false for events nobody is paged
// for.
func Format(evt events.Event) (StructuredMessage, bool) {
	switch p := evt.Payload.(type) {
	case types.SystemEvent:
		icon, alert := alertTypes[p.Type]
		if !alert {
			return StructuredMessage{}, false
		}
		msg := StructuredMessage{
			Icon:      icon,
			Title:     string(p.Type),
			Timestamp: p.Timestamp,
			Sections:  []MessageSection{{Title: "details", Lines: detailLines(flattenDetails(p.Details))}},
		}
		return msg, true
	case types.PhaseTransition:
		return StructuredMessage{
			Icon:  "📈",
			Title: "PHASE_TRANSITION",
			Sections: []MessageSection{{Lines: []string{
				fmt.Sprintf("phase %d -> %d", p.OldPhase, p.NewPhase),
				fmt.Sprintf("equity %.2f", p.EquityAtTransition),
			}}},
			Timestamp: stamp(p.Timestamp, evt.Timestamp),
		}, true
	}
	return StructuredMessage{}, false
}

// flattenDetails expands a flatten report so alerts list symbols rather
// than a struct dump.
func flattenDetails(details map[string]any) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		if rep, ok := v.(executor.FlattenReport); ok {
			out["closed"] = rep.Closed
			out["failed"] = rep.Failed
			continue
		}
		out[k] = v
	}
	return out
}

func stamp(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}
