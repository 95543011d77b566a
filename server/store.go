package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps the per-session token records and outstanding OAuth
// state entries. Expiry is a property callers inspect, never a deletion
// trigger: an expired record still carries the refresh token needed to
// recover, so nothing here evicts on expiry.
type InMemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]TokenRecord
	states map[string]StateEntry
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tokens: make(map[string]TokenRecord),
		states: make(map[string]StateEntry),
	}
}

// NewID generates a random identifier for sessions and state values.
func (s *InMemoryStore) NewID() string {
	return uuid.NewString()
}

// Get retrieves the token record for a session key.
func (s *InMemoryStore) Get(sessionKey string) (TokenRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tokens[sessionKey]
	return rec, ok
}

// Put stores or replaces the token record for a session key. The record is
// replaced as a whole under the lock so a concurrent reader never observes a
// new access token paired with a stale expiry.
func (s *InMemoryStore) Put(sessionKey string, rec TokenRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[sessionKey] = rec
}

// Clear removes the token record for a session key.
func (s *InMemoryStore) Clear(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, sessionKey)
}

// PutState records a freshly minted OAuth state value.
func (s *InMemoryStore) PutState(entry StateEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[entry.Value] = entry
}

// ConsumeState removes the state entry and reports whether it existed and was
// still inside the validity window. Entries are single-use: a second consume
// of the same value always fails.
func (s *InMemoryStore) ConsumeState(value string, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.states[value]
	if !ok {
		return false
	}
	delete(s.states, value)
	return time.Since(entry.CreatedAt) <= window
}

// SweepStates drops state entries older than the validity window so the map
// stays bounded regardless of how many logins were abandoned mid-flow.
func (s *InMemoryStore) SweepStates(window time.Duration) {
	cutoff := time.Now().Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	for value, entry := range s.states {
		if entry.CreatedAt.Before(cutoff) {
			delete(s.states, value)
		}
	}
}
