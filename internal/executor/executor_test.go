package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/ledger-mcp/internal/apierr"
	"github.com/alexjbarnes/ledger-mcp/internal/journal"
	"github.com/alexjbarnes/ledger-mcp/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExecutor(t *testing.T, tokens TokenSource) *Executor {
	t.Helper()
	return New(tokens, nil, testLogger())
}

func steadyTokens(t *testing.T, token string) *MockTokenSource {
	t.Helper()

	tokens := NewMockTokenSource(gomock.NewController(t))
	tokens.EXPECT().ValidAccessToken(gomock.Any()).Return(token, nil)

	return tokens
}

func apiStatus(status int) *ledger.APIError {
	return &ledger.APIError{StatusCode: status, Message: http.StatusText(status)}
}

func TestDo_Success(t *testing.T) {
	e := testExecutor(t, steadyTokens(t, "tok-1"))

	calls := 0
	got, err := Do(context.Background(), e, "company_get", func(ctx context.Context, token string) (string, error) {
		calls++
		assert.Equal(t, "tok-1", token)
		return "company", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "company", got)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	e := testExecutor(t, steadyTokens(t, "tok-1"))

	calls := 0
	got, err := Do(context.Background(), e, "contacts_list", func(ctx context.Context, token string) (string, error) {
		calls++
		if calls < 3 {
			return "", apiStatus(http.StatusServiceUnavailable)
		}
		return "page", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "page", got)
	assert.Equal(t, 3, calls, "two unavailable responses then success is three attempts")
}

func TestDo_TransientBudgetExhausted(t *testing.T) {
	e := testExecutor(t, steadyTokens(t, "tok-1"))

	calls := 0
	_, err := Do(context.Background(), e, "contacts_list", func(ctx context.Context, token string) (string, error) {
		calls++
		return "", apiStatus(http.StatusServiceUnavailable)
	})

	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindTransient))
	assert.Equal(t, maxAttempts, calls)
}

func TestDo_ValidationNotRetried(t *testing.T) {
	e := testExecutor(t, steadyTokens(t, "tok-1"))

	calls := 0
	_, err := Do(context.Background(), e, "contact_create", func(ctx context.Context, token string) (string, error) {
		calls++
		return "", &ledger.APIError{StatusCode: http.StatusBadRequest, Code: "name_required", Message: "name is required"}
	})

	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
	assert.Contains(t, err.Error(), "name_required")
	assert.Equal(t, 1, calls, "a 4xx rejection must not be retried")
}

func TestDo_UnauthorizedForcesOneRefresh(t *testing.T) {
	tokens := NewMockTokenSource(gomock.NewController(t))
	tokens.EXPECT().ValidAccessToken(gomock.Any()).Return("tok-stale", nil)
	tokens.EXPECT().ForceRefresh(gomock.Any()).Return("tok-fresh", nil)

	e := testExecutor(t, tokens)

	var seen []string
	got, err := Do(context.Background(), e, "company_get", func(ctx context.Context, token string) (string, error) {
		seen = append(seen, token)
		if token == "tok-stale" {
			return "", apiStatus(http.StatusUnauthorized)
		}
		return "company", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "company", got)
	assert.Equal(t, []string{"tok-stale", "tok-fresh"}, seen)
}

func TestDo_UnauthorizedAfterRefreshIsTerminal(t *testing.T) {
	tokens := NewMockTokenSource(gomock.NewController(t))
	tokens.EXPECT().ValidAccessToken(gomock.Any()).Return("tok-stale", nil)
	tokens.EXPECT().ForceRefresh(gomock.Any()).Return("tok-fresh", nil)

	e := testExecutor(t, tokens)

	calls := 0
	_, err := Do(context.Background(), e, "company_get", func(ctx context.Context, token string) (string, error) {
		calls++
		return "", apiStatus(http.StatusUnauthorized)
	})

	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindAuth))
	assert.Equal(t, 2, calls, "exactly one recovery retry after a refresh")
}

func TestDo_RefreshFailurePropagates(t *testing.T) {
	tokens := NewMockTokenSource(gomock.NewController(t))
	tokens.EXPECT().ValidAccessToken(gomock.Any()).Return("tok-stale", nil)
	tokens.EXPECT().ForceRefresh(gomock.Any()).Return("", apierr.ReauthRequired("refresh token rejected"))

	e := testExecutor(t, tokens)

	_, err := Do(context.Background(), e, "company_get", func(ctx context.Context, token string) (string, error) {
		return "", apiStatus(http.StatusUnauthorized)
	})

	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindReauthRequired))
}

func TestDo_TokenAcquisitionFailureSkipsCall(t *testing.T) {
	tokens := NewMockTokenSource(gomock.NewController(t))
	tokens.EXPECT().ValidAccessToken(gomock.Any()).Return("", apierr.ReauthRequired("no credentials stored"))

	e := testExecutor(t, tokens)

	_, err := Do(context.Background(), e, "company_get", func(ctx context.Context, token string) (string, error) {
		t.Fatal("the remote call must not run without a token")
		return "", nil
	})

	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindReauthRequired))
}

func TestDo_NetworkErrorIsTransient(t *testing.T) {
	e := testExecutor(t, steadyTokens(t, "tok-1"))

	calls := 0
	_, err := Do(context.Background(), e, "company_get", func(ctx context.Context, token string) (string, error) {
		calls++
		return "", &ledger.TransportError{Err: errors.New("dial tcp: connection refused")}
	})

	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindTransient))
	assert.Equal(t, maxAttempts, calls)
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	e := testExecutor(t, steadyTokens(t, "tok-1"))

	start := time.Now()
	calls := 0
	_, err := Do(context.Background(), e, "contacts_list", func(ctx context.Context, token string) (string, error) {
		calls++
		if calls == 1 {
			return "", &ledger.APIError{
				StatusCode: http.StatusTooManyRequests,
				Message:    "rate limited",
				RetryAfter: 20 * time.Millisecond,
			}
		}
		return "page", nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Less(t, time.Since(start), retryBaseDelay,
		"a short server-requested delay must override the default backoff")
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	e := testExecutor(t, steadyTokens(t, "tok-1"))

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, e, "contacts_list", func(ctx context.Context, token string) (string, error) {
			calls++
			return "", apiStatus(http.StatusServiceUnavailable)
		})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond) // inside the first backoff
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindTransient))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_RecordsJournalEntries(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	tokens := NewMockTokenSource(gomock.NewController(t))
	tokens.EXPECT().ValidAccessToken(gomock.Any()).Return("tok-1", nil).Times(2)

	e := New(tokens, j, testLogger())

	_, err = Do(context.Background(), e, "company_get", func(ctx context.Context, token string) (string, error) {
		return "company", nil
	})
	require.NoError(t, err)

	_, err = Do(context.Background(), e, "contact_create", func(ctx context.Context, token string) (string, error) {
		return "", &ledger.APIError{StatusCode: http.StatusBadRequest, Code: "name_required", Message: "name is required"}
	})
	require.Error(t, err)

	entries, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "contact_create", entries[0].Operation)
	assert.Equal(t, "error", entries[0].Outcome)
	assert.Contains(t, entries[0].Error, "name_required")

	assert.Equal(t, "company_get", entries[1].Operation)
	assert.Equal(t, "ok", entries[1].Outcome)
	assert.Equal(t, 1, entries[1].Attempts)
}

func TestRaw_PassesThroughRetryPolicy(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/contacts", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"Beta LLC"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c-2"}`))
	}))
	defer srv.Close()

	tokens := NewMockTokenSource(gomock.NewController(t))
	tokens.EXPECT().ValidAccessToken(gomock.Any()).Return("tok-1", nil)

	e := testExecutor(t, tokens)
	client := ledger.NewClient(srv.URL, srv.Client())

	raw, err := Raw(context.Background(), e, client, "api_request", http.MethodPost, "/contacts", []byte(`{"name":"Beta LLC"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c-2"}`, string(raw))
	assert.Equal(t, 2, calls, "a 503 on the first try is retried")
}

func TestClassify_PassesTaxonomyThrough(t *testing.T) {
	orig := apierr.Conflict("confirmation_invalid", "token already used")
	assert.Same(t, orig, classify(orig))

	assert.True(t, apierr.IsKind(classify(errors.New("mystery")), apierr.KindUnknown))
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   apierr.Kind
	}{
		{http.StatusBadRequest, apierr.KindValidation},
		{http.StatusNotFound, apierr.KindValidation},
		{http.StatusUnprocessableEntity, apierr.KindValidation},
		{http.StatusGone, apierr.KindValidation},
		{http.StatusUnauthorized, apierr.KindAuth},
		{http.StatusForbidden, apierr.KindAuth},
		{http.StatusConflict, apierr.KindConflict},
		{http.StatusTooManyRequests, apierr.KindTransient},
		{http.StatusInternalServerError, apierr.KindTransient},
		{http.StatusBadGateway, apierr.KindTransient},
		{http.StatusServiceUnavailable, apierr.KindTransient},
	}

	for _, tc := range cases {
		err := classifyStatus(apiStatus(tc.status))
		assert.Equal(t, tc.kind, apierr.KindOf(err), "status %d", tc.status)
	}
}
