package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	got := make(chan Event, 2)
	bus.Subscribe(EventSessionAuthenticated, "a", func(_ context.Context, e Event) error {
		got <- e
		return nil
	})
	bus.Subscribe(EventSessionAuthenticated, "b", func(_ context.Context, e Event) error {
		got <- e
		return nil
	})
	require.Equal(t, 2, bus.HandlerCount(EventSessionAuthenticated))

	bus.Emit(context.Background(), Event{Type: EventSessionAuthenticated, Source: "test"})
	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			assert.Equal(t, "test", e.Source)
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}
	}
}

func TestEmitSyncRecoversAndReportsErrors(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var calls atomic.Int32
	bus.Subscribe(EventTamperDetected, "network", func(context.Context, Event) error {
		calls.Add(1)
		return errors.New("nope")
	})
	bus.Subscribe(EventTamperDetected, "health", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	err := bus.EmitSync(context.Background(), Event{Type: EventTamperDetected})
	assert.EqualError(t, err, "nope")
	assert.Equal(t, int32(2), calls.Load())

	bus.Subscribe(EventSessionKicked, "mqtt.session_kicked", func(context.Context, Event) error {
		panic("boom")
	})
	err = bus.EmitSync(context.Background(), Event{Type: EventSessionKicked})
	assert.EqualError(t, err, "handler mqtt.session_kicked panicked: boom")

	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventHeartbeat}))
}

func TestStopWaitsForRunningHandlers(t *testing.T) {
	bus := NewEventBus()

	release := make(chan struct{})
	var done atomic.Bool
	bus.Subscribe(EventSessionClosed, "slow", func(context.Context, Event) error {
		<-release
		done.Store(true)
		return nil
	})
	bus.Emit(context.Background(), Event{Type: EventSessionClosed})

	stopped := make(chan struct{})
	go func() {
		bus.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped
	assert.True(t, done.Load())
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus()
	var calls atomic.Int32
	count := func(context.Context, Event) error {
		calls.Add(1)
		return nil
	}
	bus.Subscribe(EventHeartbeat, "h", count)
	bus.Subscribe(EventHeartbeat, "mqtt.heartbeat", count)
	bus.Unsubscribe(EventHeartbeat, "h")
	assert.Equal(t, 1, bus.HandlerCount(EventHeartbeat))
	bus.Unsubscribe(EventHeartbeat, "mqtt.heartbeat")
	assert.Zero(t, bus.HandlerCount(EventHeartbeat))

	bus.Subscribe(EventHeartbeat, "h", count)
	bus.Stop()
	bus.Stop()
	bus.Emit(context.Background(), Event{Type: EventHeartbeat})
	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventHeartbeat}))
	assert.Zero(t, calls.Load())

	var nilBus *EventBus
	nilBus.Emit(context.Background(), Event{Type: EventHeartbeat})
	assert.NoError(t, nilBus.EmitSync(context.Background(), Event{Type: EventHeartbeat}))
}
