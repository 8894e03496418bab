package session

import (
	"sync"

	"gopkg.in/eapache/channels.v1"

	"github.com/energizer-project/worldgate/internal/protocol"
)

// PacketQueue is a bounded FIFO filled from connection goroutines and
// drained by the session update loop.
type PacketQueue struct {
	mu     sync.Mutex
	ch     *channels.InfiniteChannel
	limit  int
	closed bool
}

// NewPacketQueue creates a queue holding at most limit packets. A limit of
// zero or less means unbounded.
func NewPacketQueue(limit int) *PacketQueue {
	return &PacketQueue{
		ch:    channels.NewInfiniteChannel(),
		limit: limit,
	}
}

// Push appends a packet. It returns false when the queue is full or closed.
func (q *PacketQueue) Push(p protocol.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.limit > 0 && q.ch.Len() >= q.limit {
		return false
	}
	q.ch.In() <- p
	return true
}

// PopBatch removes and returns up to max packets in arrival order.
func (q *PacketQueue) PopBatch(max int) []protocol.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	return q.drainLocked(max)
}

// drainLocked receives packets already buffered by the channel, so none of
// the receives block.
func (q *PacketQueue) drainLocked(max int) []protocol.Packet {
	n := q.ch.Len()
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := q.ch.Out()
	batch := make([]protocol.Packet, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, (<-out).(protocol.Packet))
	}
	return batch
}

// Len returns the number of queued packets.
func (q *PacketQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	return q.ch.Len()
}

// Clear drops every queued packet.
func (q *PacketQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.drainLocked(0)
	}
}

// Close drops every queued packet and stops the channel goroutine. Later
// pushes are refused.
func (q *PacketQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.drainLocked(0)
	q.closed = true
	q.ch.Close()
}
