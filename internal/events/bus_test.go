package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"execcore/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	return Event{}
}

func TestBusTopicFilter(t *testing.T) {
	bus := NewBus()
	all, cancelAll := bus.Subscribe(4)
	defer cancelAll()
	phaseOnly, cancelPhase := bus.Subscribe(4, TopicPhaseTransition)
	defer cancelPhase()

	bus.Publish(TopicTradeClosed, "trade")
	bus.Publish(TopicPhaseTransition, "phase")

	assert.Equal(t, TopicTradeClosed, recv(t, all).Topic)
	assert.Equal(t, TopicPhaseTransition, recv(t, all).Topic)
	assert.Equal(t, "phase", recv(t, phaseOnly).Payload)
	assert.Len(t, phaseOnly, 0)
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(TopicSystemEvent, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBusCancelAndClose(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	ch2, _ := bus.Subscribe(1)
	bus.Close()
	_, ok = <-ch2
	assert.False(t, ok)

	ch3, _ := bus.Subscribe(1)
	_, ok = <-ch3
	assert.False(t, ok)
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) InsertSystemEvent(ctx context.Context, evt types.SystemEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

func TestRecorderPersistsAndPublishes(t *testing.T) {
	sink := new(mockSink)
	sink.On("InsertSystemEvent", mock.Anything, mock.MatchedBy(func(e types.SystemEvent) bool {
		return e.Type == types.EventCircuitBreakerTrip && e.ID != ""
	})).Return(nil).Once()

	bus := NewBus()
	ch, cancel := bus.Subscribe(1, TopicSystemEvent)
	defer cancel()

	rec := NewRecorder(sink, bus)
	evt := rec.Record(context.Background(), types.EventCircuitBreakerTrip, map[string]any{"equity": 1.0})

	sink.AssertExpectations(t)
	got := recv(t, ch)
	assert.Equal(t, evt, got.Payload)
}

func TestRecorderPublishesEvenIfSinkFails(t *testing.T) {
	sink := new(mockSink)
	sink.On("InsertSystemEvent", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	NewRecorder(sink, bus).Record(context.Background(), types.EventReconcileGhost, nil)
	got := recv(t, ch)
	assert.Equal(t, types.EventReconcileGhost, got.Payload.(types.SystemEvent).Type)
}
