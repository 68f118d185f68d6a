package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/ledger-mcp/internal/apierr"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// confirmTTL controls how long a confirmation token remains valid.
	confirmTTL = 5 * time.Minute

	// confirmCleanupInterval controls how often expired entries are reaped.
	confirmCleanupInterval = time.Minute
)

// confirmEntry snapshots one requested destructive call. The args
// snapshot is immutable once created; Consume only reads it.
type confirmEntry struct {
	tool      string
	args      []byte // canonical JSON
	expiresAt time.Time
}

// ConfirmationStore implements the two-phase handshake gating
// destructive tool calls. A token binds to one specific call shape:
// presenting a valid token with a different tool or different arguments
// fails closed. Tokens are single use; there is no path back from
// consumed or expired to pending.
type ConfirmationStore struct {
	mu      sync.Mutex
	entries map[string]*confirmEntry
	stopGC  chan struct{}
}

// NewConfirmationStore creates an empty store and starts a background
// goroutine that periodically removes expired entries.
// Call Stop() to clean up the goroutine.
func NewConfirmationStore() *ConfirmationStore {
	s := &ConfirmationStore{
		entries: make(map[string]*confirmEntry),
		stopGC:  make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

// Stop terminates the background cleanup goroutine.
func (s *ConfirmationStore) Stop() {
	close(s.stopGC)
}

func (s *ConfirmationStore) gcLoop() {
	ticker := time.NewTicker(confirmCleanupInterval)
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

func (s *ConfirmationStore) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, token)
		}
	}
}

// Create records a snapshot of a destructive call and returns the token
// the caller must present on re-invocation, with its expiry.
func (s *ConfirmationStore) Create(tool string, args any) (string, time.Time, error) {
	snapshot, err := canonicalJSON(args)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("snapshotting %s arguments: %w", tool, err)
	}

	token := RandomHex(16)
	expiresAt := time.Now().Add(confirmTTL)

	s.mu.Lock()
	s.entries[token] = &confirmEntry{tool: tool, args: snapshot, expiresAt: expiresAt}
	s.mu.Unlock()

	return token, expiresAt, nil
}

// Consume validates and deletes a confirmation token. It succeeds only
// when the token exists, is unexpired, the tool matches, and the
// arguments deep-equal the snapshot. Argument tampering between the
// confirmation request and the confirmed execution is rejected, not
// merged. The entry is deleted on any terminal outcome (success,
// expiry, mismatch), so a token is never usable twice.
func (s *ConfirmationStore) Consume(token, tool string, args any) error {
	got, err := canonicalJSON(args)
	if err != nil {
		return fmt.Errorf("serializing %s arguments: %w", tool, err)
	}

	s.mu.Lock()
	entry, ok := s.entries[token]
	if ok {
		delete(s.entries, token)
	}
	s.mu.Unlock()

	if !ok {
		return apierr.Conflict("confirmation_invalid",
			"confirmation token is unknown or already used")
	}

	if time.Now().After(entry.expiresAt) {
		return apierr.Conflict("confirmation_expired",
			"confirmation token has expired")
	}

	if entry.tool != tool {
		return apierr.Conflict("confirmation_tool_mismatch",
			fmt.Sprintf("confirmation token was issued for %s, not %s", entry.tool, tool))
	}

	if !bytes.Equal(entry.args, got) {
		return apierr.Conflict("confirmation_args_mismatch",
			"arguments changed since confirmation was requested: "+compactDiff(entry.args, got))
	}

	return nil
}

// Len returns the number of pending confirmations. Test helper.
func (s *ConfirmationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// canonicalJSON produces a stable byte representation of a value:
// marshal, round-trip through interface{} so object keys sort, and
// marshal again. Two deep-equal values always canonicalize identically.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	return json.Marshal(generic)
}

// compactDiff renders a short -/+ summary of what changed between the
// snapshot and the presented arguments, for the error message and logs.
func compactDiff(snapshot, got []byte) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(string(snapshot), string(got), false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString("-[" + d.Text + "]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("+[" + d.Text + "]")
		}
	}

	return b.String()
}
