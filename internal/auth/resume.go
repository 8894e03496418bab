package auth

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/energizer-project/worldgate/internal/protocol"
)

// ResumeRegistry tracks connect-to keys handed to authenticated realm
// sessions. A key is valid once, and only until it expires.
type ResumeRegistry struct {
	mu    sync.Mutex
	cache *expirable.LRU[uint64, uint32]
}

// NewResumeRegistry creates a registry holding at most capacity keys.
func NewResumeRegistry(capacity int, ttl time.Duration) *ResumeRegistry {
	return &ResumeRegistry{
		cache: expirable.NewLRU[uint64, uint32](capacity, nil, ttl),
	}
}

// Issue creates a fresh key for accountID.
func (r *ResumeRegistry) Issue(accountID uint32, connType protocol.ConnectionType) (protocol.ConnectToKey, error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return protocol.ConnectToKey{}, fmt.Errorf("failed to generate resume key: %w", err)
	}
	key := protocol.ConnectToKey{
		AccountID:      accountID,
		ConnectionType: connType,
		Key:            binary.LittleEndian.Uint32(raw[:]) & 0x7FFFFFFF,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(key.Raw(), accountID)
	return key, nil
}

// Consume validates and removes key. It reports false for unknown,
// expired or already used keys.
func (r *ResumeRegistry) Consume(key protocol.ConnectToKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw := key.Raw()
	accountID, ok := r.cache.Peek(raw)
	if !ok || accountID != key.AccountID {
		return false
	}
	r.cache.Remove(raw)
	return true
}

// Len returns the number of live keys.
func (r *ResumeRegistry) Len() int {
	return r.cache.Len()
}
