// Package session turns authenticated connections into world sessions:
// it routes decoded packets to opcode handlers, queues the ones that must
// run serially and drives every session's update loop.
package session

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/metrics"
	"github.com/energizer-project/worldgate/internal/protocol"
)

// ProcessMode says where a handler runs.
type ProcessMode int

const (
	// ProcessQueued handlers run on the session update loop, in arrival order.
	ProcessQueued ProcessMode = iota
	// ProcessThreadSafe handlers run on the connection's read goroutine.
	ProcessThreadSafe
)

func (m ProcessMode) String() string {
	if m == ProcessThreadSafe {
		return "thread_safe"
	}
	return "queued"
}

// HandlerFunc processes one packet for a session. payload is owned by the
// handler.
type HandlerFunc func(s *WorldSession, payload []byte) error

// OpcodeHandler describes how an opcode is processed.
type OpcodeHandler struct {
	Name    string
	Mode    ProcessMode
	Handler HandlerFunc
}

// Dispatcher maps opcodes to handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Opcode]OpcodeHandler
	logger   zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.Opcode]OpcodeHandler),
		logger:   log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register installs h for opcode, replacing any previous handler.
func (d *Dispatcher) Register(opcode protocol.Opcode, h OpcodeHandler) {
	if h.Name == "" {
		h.Name = opcode.String()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[opcode] = h
}

// Lookup returns the handler registered for opcode.
func (d *Dispatcher) Lookup(opcode protocol.Opcode) (OpcodeHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[opcode]
	return h, ok
}

// Len returns the number of registered opcodes.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch routes a packet. Unknown opcodes are counted and dropped;
// thread-safe handlers run immediately; everything else is queued. It never
// blocks.
func (d *Dispatcher) Dispatch(s *WorldSession, opcode protocol.Opcode, payload []byte) {
	h, ok := d.Lookup(opcode)
	if !ok {
		metrics.UnknownOpcode()
		d.logger.Debug().
			Uint32("account_id", s.AccountID()).
			Str("opcode", opcode.String()).
			Int("size", len(payload)).
			Msg("dropping packet with no handler")
		return
	}

	if h.Mode == ProcessThreadSafe {
		d.run(s, h, payload)
		return
	}

	if !s.EnqueueDecodedPacket(opcode, payload) {
		if s.IsKicked() {
			return
		}
		metrics.QueueOverflow()
		d.logger.Warn().
			Uint32("account_id", s.AccountID()).
			Int("queued", s.QueueLen()).
			Msg("session packet queue overflow")
		s.Kick("packet queue overflow")
	}
}

// run executes a handler, recovering panics so one packet cannot take the
// process down.
func (d *Dispatcher) run(s *WorldSession, h OpcodeHandler, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Uint32("account_id", s.AccountID()).
				Str("handler", h.Name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := h.Handler(s, payload); err != nil {
		d.logger.Warn().
			Err(err).
			Uint32("account_id", s.AccountID()).
			Str("handler", h.Name).
			Msg("handler failed")
	}
}

// process runs one queued packet.
func (d *Dispatcher) process(s *WorldSession, p protocol.Packet) {
	h, ok := d.Lookup(p.Opcode)
	if !ok {
		// Handler removed after the packet was queued.
		metrics.UnknownOpcode()
		return
	}
	d.run(s, h, p.Payload)
}

func errShortPayload(name string, err error) error {
	return fmt.Errorf("malformed %s: %w", name, err)
}
