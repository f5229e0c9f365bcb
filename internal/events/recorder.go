package events

import (
	"context"
	"time"

	"execcore/internal/logger"
	"execcore/internal/types"

	"github.com/google/uuid"
)

// EventSink is the durable half of the audit trail.
type EventSink interface {
	InsertSystemEvent(ctx context.Context, evt types.SystemEvent) error
}

// Recorder writes SystemEvents durably and mirrors them on the bus.
type Recorder struct {
	sink  EventSink
	bus   Publisher
	nowFn func() time.Time
}

func NewRecorder(sink EventSink, bus Publisher) *Recorder {
	return &Recorder{sink: sink, bus: bus, nowFn: time.Now}
}

// Record persists the event; a failed write is logged and the event is still
// published so operators see it.
func (r *Recorder) Record(ctx context.Context, typ types.SystemEventType, details map[string]any) types.SystemEvent {
	evt := types.SystemEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Details:   details,
		Timestamp: r.now(),
	}
	if r == nil {
		return evt
	}
	if r.sink != nil {
		if err := r.sink.InsertSystemEvent(context.WithoutCancel(ctx), evt); err != nil {
			logger.Errorf("system event %s not persisted: %v", typ, err)
		}
	}
	if r.bus != nil {
		r.bus.Publish(TopicSystemEvent, evt)
	}
	return evt
}

func (r *Recorder) now() time.Time {
	if r == nil || r.nowFn == nil {
		return time.Now()
	}
	return r.nowFn()
}
