package auth

import (
	"testing"
	"time"

	"github.com/alexjbarnes/ledger-mcp/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfirmStore(t *testing.T) *ConfirmationStore {
	t.Helper()

	s := NewConfirmationStore()
	t.Cleanup(s.Stop)

	return s
}

type deleteArgs struct {
	ContactID string `json:"contact_id"`
	Force     bool   `json:"force,omitempty"`
}

func TestConfirmationStore_MatchingArgsConsume(t *testing.T) {
	s := testConfirmStore(t)

	args := deleteArgs{ContactID: "c-17"}
	token, expiresAt, err := s.Create("contact_delete", args)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(confirmTTL), expiresAt, time.Second)

	require.NoError(t, s.Consume(token, "contact_delete", args))
}

func TestConfirmationStore_TokenIsSingleUse(t *testing.T) {
	s := testConfirmStore(t)

	args := deleteArgs{ContactID: "c-17"}
	token, _, err := s.Create("contact_delete", args)
	require.NoError(t, err)

	require.NoError(t, s.Consume(token, "contact_delete", args))

	err = s.Consume(token, "contact_delete", args)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
}

func TestConfirmationStore_ArgsMismatch(t *testing.T) {
	s := testConfirmStore(t)

	token, _, err := s.Create("contact_delete", deleteArgs{ContactID: "c-17"})
	require.NoError(t, err)

	err = s.Consume(token, "contact_delete", deleteArgs{ContactID: "c-99"})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
	assert.Contains(t, err.Error(), "confirmation_args_mismatch")
	assert.Contains(t, err.Error(), "c-99", "the mismatch message should show what changed")

	// The failed attempt burned the token.
	err = s.Consume(token, "contact_delete", deleteArgs{ContactID: "c-17"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmation_invalid")
}

func TestConfirmationStore_AddedFieldMismatch(t *testing.T) {
	s := testConfirmStore(t)

	token, _, err := s.Create("contact_delete", deleteArgs{ContactID: "c-17"})
	require.NoError(t, err)

	err = s.Consume(token, "contact_delete", deleteArgs{ContactID: "c-17", Force: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmation_args_mismatch")
}

func TestConfirmationStore_ToolMismatch(t *testing.T) {
	s := testConfirmStore(t)

	args := deleteArgs{ContactID: "c-17"}
	token, _, err := s.Create("contact_delete", args)
	require.NoError(t, err)

	err = s.Consume(token, "invoice_delete", args)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmation_tool_mismatch")
}

func TestConfirmationStore_UnknownToken(t *testing.T) {
	s := testConfirmStore(t)

	err := s.Consume("never-issued", "contact_delete", deleteArgs{ContactID: "c-17"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmation_invalid")
}

func TestConfirmationStore_ExpiredToken(t *testing.T) {
	s := testConfirmStore(t)

	args := deleteArgs{ContactID: "c-17"}
	token, _, err := s.Create("contact_delete", args)
	require.NoError(t, err)

	s.mu.Lock()
	s.entries[token].expiresAt = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	err = s.Consume(token, "contact_delete", args)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confirmation_expired")
	assert.Equal(t, 0, s.Len())
}

func TestConfirmationStore_EquivalentMapAndStructMatch(t *testing.T) {
	s := testConfirmStore(t)

	// MCP argument payloads arrive as generic maps. Key order and Go
	// type must not affect equality with the snapshot.
	token, _, err := s.Create("contact_delete", map[string]any{"contact_id": "c-17"})
	require.NoError(t, err)

	require.NoError(t, s.Consume(token, "contact_delete", deleteArgs{ContactID: "c-17"}))
}

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	b, err := canonicalJSON(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}
