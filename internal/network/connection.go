package network

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionRegistry tracks live world connections by id.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*WorldConnection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*WorldConnection),
	}
}

// Register adds a connection to the registry.
func (r *ConnectionRegistry) Register(conn *WorldConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ID()] = conn
	log.Debug().Str("conn_id", conn.ID()).Msg("connection registered")
}

// Unregister removes a connection. It does not close it.
func (r *ConnectionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		delete(r.conns, id)
		log.Debug().Str("conn_id", id).Msg("connection unregistered")
	}
}

// Get returns the connection with the given id.
func (r *ConnectionRegistry) Get(id string) (*WorldConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// GetAll returns all registered connections.
func (r *ConnectionRegistry) GetAll() []*WorldConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*WorldConnection, 0, len(r.conns))
	for _, conn := range r.conns {
		result = append(result, conn)
	}
	return result
}

// Snapshot returns connection info ordered by connect time.
func (r *ConnectionRegistry) Snapshot() []ConnectionInfo {
	conns := r.GetAll()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Count returns the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByState returns the number of connections in each state.
func (r *ConnectionRegistry) CountByState() map[ConnectionState]int {
	counts := make(map[ConnectionState]int)
	for _, conn := range r.GetAll() {
		counts[conn.State()]++
	}
	return counts
}

// CloseAll closes every registered connection.
func (r *ConnectionRegistry) CloseAll() {
	for _, conn := range r.GetAll() {
		conn.Close()
	}
	log.Info().Msg("all connections closed")
}

// CleanStale closes established connections that have not received any
// bytes for longer than timeout.
func (r *ConnectionRegistry) CleanStale(timeout time.Duration) int {
	cleaned := 0
	cutoff := time.Now().Add(-timeout)

	for _, conn := range r.GetAll() {
		if conn.State() != StateEstablished || !conn.LastActivity().Before(cutoff) {
			continue
		}
		log.Warn().
			Str("conn_id", conn.ID()).
			Uint32("account_id", conn.AccountID()).
			Time("last_activity", conn.LastActivity()).
			Msg("cleaned stale connection")
		conn.Close()
		cleaned++
	}
	return cleaned
}
