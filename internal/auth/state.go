package auth

import (
	"sync"
	"time"
)

const (
	// stateTTL controls how long a CSRF state value remains valid.
	// Long enough for a human to complete the browser redirect, short
	// enough to bound replay risk.
	stateTTL = 10 * time.Minute

	// stateCleanupInterval controls how often expired states are reaped.
	stateCleanupInterval = 5 * time.Minute
)

// StateStore issues and single-use-consumes the opaque state values
// round-tripped through the authorization redirect. A state existing in
// the store has never been consumed; consumption is an atomic
// check-and-delete, so a replayed callback always fails.
type StateStore struct {
	mu     sync.Mutex
	states map[string]time.Time // state -> expiry
	stopGC chan struct{}
}

// NewStateStore creates an empty state store and starts a background
// goroutine that periodically removes expired entries.
// Call Stop() to clean up the goroutine.
func NewStateStore() *StateStore {
	s := &StateStore{
		states: make(map[string]time.Time),
		stopGC: make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

// Stop terminates the background cleanup goroutine.
func (s *StateStore) Stop() {
	close(s.stopGC)
}

func (s *StateStore) gcLoop() {
	ticker := time.NewTicker(stateCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

func (s *StateStore) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for state, expiresAt := range s.states {
		if now.After(expiresAt) {
			delete(s.states, state)
		}
	}
}

// Create generates an unguessable state value, records it with the
// fixed TTL, and returns it with its expiry.
func (s *StateStore) Create() (string, time.Time) {
	state := RandomHex(32)
	expiresAt := time.Now().Add(stateTTL)

	s.mu.Lock()
	s.states[state] = expiresAt
	s.mu.Unlock()

	return state, expiresAt
}

// Consume atomically checks and deletes a state value. Returns false if
// the state is unknown, empty, already consumed, or expired.
func (s *StateStore) Consume(state string) bool {
	if state == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.states[state]
	if !ok {
		return false
	}
	delete(s.states, state)

	return time.Now().Before(expiresAt)
}

// Len returns the number of pending states. Test helper.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
