package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc handles one event. Handlers run on their own goroutine and
// must not assume they are called from the emitter's lock scope.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans worldgate events out to subscribers.
//
// Publishers are the network layer (auth failures, tamper), the session
// manager, the realm gate, the health manager and the admin surfaces
// (config changes, shutdown). Subscribers are the MQTT relay and the serve
// command, which listens for shutdown.
//
// Emit never blocks the caller, so connections may publish while holding
// their own lock.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopped  bool
	inflight sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
	}
}

// Subscribe adds handler for eventType. Names are "<component>" or
// "<component>.<event>" and identify the handler in logs and Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handlerEntry{name: name, handler: handler})
	eb.mu.Unlock()

	log.Debug().Str("event", string(eventType)).Str("handler", name).Msg("subscribed to event")
}

// Unsubscribe removes every handler registered under name for eventType.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	kept := eb.handlers[eventType][:0:0]
	for _, h := range eb.handlers[eventType] {
		if h.name != name {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(eb.handlers, eventType)
		return
	}
	eb.handlers[eventType] = kept
}

// acquire copies the handlers for t and registers them as in flight, so
// Stop waits for them. It returns nil once the bus is stopped.
func (eb *EventBus) acquire(t EventType) []handlerEntry {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.stopped || len(eb.handlers[t]) == 0 {
		return nil
	}
	handlers := append([]handlerEntry(nil), eb.handlers[t]...)
	eb.inflight.Add(len(handlers))
	return handlers
}

// invoke runs one handler, turning a panic into an error.
func invoke(ctx context.Context, event Event, h handlerEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", h.name, r)
		}
	}()
	return h.handler(ctx, event)
}

func logHandlerError(event Event, h handlerEntry, err error) {
	log.Error().
		Err(err).
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Str("handler", h.name).
		Msg("event handler failed")
}

// Emit delivers event to every subscriber without waiting. A nil or
// stopped bus drops the event.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if eb == nil {
		return
	}
	handlers := eb.acquire(event.Type)
	if handlers == nil {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		h := h
		go func() {
			defer eb.inflight.Done()
			if err := invoke(ctx, event, h); err != nil {
				logHandlerError(event, h, err)
			}
		}()
	}
}

// EmitSync delivers event and waits for every subscriber. It returns the
// first handler error; a panicking handler counts as one.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if eb == nil {
		return nil
	}
	handlers := eb.acquire(event.Type)
	if handlers == nil {
		return nil
	}

	var g errgroup.Group
	for _, h := range handlers {
		h := h
		g.Go(func() error {
			defer eb.inflight.Done()
			err := invoke(ctx, event, h)
			if err != nil {
				logHandlerError(event, h, err)
			}
			return err
		})
	}
	return g.Wait()
}

// Stop refuses further events and waits for handlers already running.
// It is safe to call more than once.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	eb.mu.Unlock()

	eb.inflight.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns how many handlers eventType has.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
