// Package events is the observe-only notification channel of the core.
// Subscribers receive copies of events; nothing they do can reach back into
// ledger or risk state.
package events

import (
	"sync"
	"time"

	"execcore/internal/logger"
)

// Topic names a stream of events.
type Topic string

const (
	TopicPhaseTransition Topic = "phase.transition"
	TopicCircuitBreaker  Topic = "risk.circuit_breaker"
	TopicEmergency       Topic = "risk.emergency"
	TopicSystemEvent     Topic = "system.event"
	TopicPositionChanged Topic = "ledger.position"
	TopicIntentChanged   Topic = "ledger.intent"
	TopicTradeClosed     Topic = "ledger.trade"
)

// Event is the envelope delivered to subscribers. Payload is a value copy of
// a types.* struct.
type Event struct {
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is what core components depend on.
type Publisher interface {
	Publish(topic Topic, payload any)
}

type subscriber struct {
	id     uint64
	ch     chan Event
	topics map[Topic]struct{}
}

// Bus fans events out to buffered subscriber channels. A slow subscriber
// loses events rather than blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	nowFn  func() time.Time
	closed bool
}

func NewBus() *Bus {
	return &Bus{
		subs:  make(map[uint64]*subscriber),
		nowFn: time.Now,
	}
}

// Subscribe returns a receive channel and a cancel func. With no topics the
// subscriber receives everything.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (b *Bus) Publish(topic Topic, payload any) {
	if b == nil {
		return
	}
	evt := Event{Topic: topic, Payload: payload, Timestamp: b.nowFn()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.topics != nil {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- evt:
		default:
			logger.Debugf("event bus: subscriber %d full, dropped %s", sub.id, topic)
		}
	}
}

// Close terminates every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
