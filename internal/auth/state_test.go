package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStateStore(t *testing.T) *StateStore {
	t.Helper()

	s := NewStateStore()
	t.Cleanup(s.Stop)

	return s
}

func TestStateStore_ConsumeOnce(t *testing.T) {
	s := testStateStore(t)

	state, expiresAt := s.Create()
	require.NotEmpty(t, state)
	assert.WithinDuration(t, time.Now().Add(stateTTL), expiresAt, time.Second)

	assert.True(t, s.Consume(state))
	assert.False(t, s.Consume(state), "a state must be consumable exactly once")
}

func TestStateStore_UnknownState(t *testing.T) {
	s := testStateStore(t)

	assert.False(t, s.Consume("never-issued"))
	assert.False(t, s.Consume(""))
}

func TestStateStore_ExpiredState(t *testing.T) {
	s := testStateStore(t)

	state, _ := s.Create()

	s.mu.Lock()
	s.states[state] = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	assert.False(t, s.Consume(state))
	assert.Equal(t, 0, s.Len(), "expired state is removed on the failed consume")
}

func TestStateStore_Cleanup(t *testing.T) {
	s := testStateStore(t)

	expired, _ := s.Create()
	live, _ := s.Create()

	s.mu.Lock()
	s.states[expired] = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	s.cleanup()

	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Consume(live))
}

func TestStateStore_StatesAreUnique(t *testing.T) {
	s := testStateStore(t)

	seen := make(map[string]bool)
	for range 50 {
		state, _ := s.Create()
		require.False(t, seen[state])
		seen[state] = true
	}
}

func TestRandomHex_Length(t *testing.T) {
	assert.Len(t, RandomHex(32), 64)
	assert.Len(t, RandomHex(16), 32)
}
