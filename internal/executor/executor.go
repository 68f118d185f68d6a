// Package executor wraps every remote call with token acquisition,
// failure classification into the error taxonomy, bounded retry with
// backoff, and journaling. Tool handlers call through it and never see
// transport-level errors.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/alexjbarnes/ledger-mcp/internal/apierr"
	"github.com/alexjbarnes/ledger-mcp/internal/journal"
	"github.com/alexjbarnes/ledger-mcp/internal/ledger"
)

//go:generate mockgen -source=executor.go -destination=mock_executor_test.go -package=executor

const (
	// maxAttempts bounds transient retries. The first try plus two
	// retries keeps worst-case latency tolerable for an interactive
	// caller.
	maxAttempts = 3

	// retryBaseDelay is the backoff before the first retry, doubled for
	// each subsequent one.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the ceiling for a single backoff wait, including
	// a server-sent Retry-After.
	retryMaxDelay = 8 * time.Second

	// jitterDivisor controls the range of random jitter added to each
	// backoff wait: jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2
)

// TokenSource supplies access tokens for outgoing calls.
// Implemented by the auth manager.
type TokenSource interface {
	ValidAccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Executor runs remote operations with retry and journaling.
type Executor struct {
	tokens  TokenSource
	journal *journal.Journal // nil disables journaling
	logger  *slog.Logger
}

// New creates an executor. journal may be nil.
func New(tokens TokenSource, j *journal.Journal, logger *slog.Logger) *Executor {
	return &Executor{tokens: tokens, journal: j, logger: logger}
}

// Do runs fn with a valid access token, retrying transient failures and
// recovering once from a provider-side 401. The returned error is
// always a taxonomy error.
//
// The 401 recovery sits outside the transient budget: a token the
// provider rejects early is refreshed and the call retried exactly
// once, regardless of how many transient retries were spent.
func Do[T any](ctx context.Context, e *Executor, operation string, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	var zero T

	start := time.Now()

	token, err := e.tokens.ValidAccessToken(ctx)
	if err != nil {
		err = classify(err)
		e.record(operation, 0, start, err)

		return zero, err
	}

	var (
		result    T
		attempts  int
		refreshed bool
	)

	delay := retryBaseDelay

	for {
		attempts++

		result, err = fn(ctx, token)
		if err == nil {
			e.record(operation, attempts, start, nil)
			return result, nil
		}

		if status := statusOf(err); status == http.StatusUnauthorized && !refreshed {
			refreshed = true

			e.logger.Debug("access token rejected upstream, forcing refresh",
				slog.String("operation", operation),
			)

			token, err = e.tokens.ForceRefresh(ctx)
			if err != nil {
				err = classify(err)
				break
			}

			continue
		}

		err = classify(err)

		if !apierr.IsKind(err, apierr.KindTransient) || attempts >= maxAttempts {
			break
		}

		wait := delay
		if ra := retryAfterOf(err); ra > 0 {
			wait = ra
		}

		wait = min(wait, retryMaxDelay)
		wait += time.Duration(rand.Int64N(int64(wait) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for retry jitter, no security impact

		e.logger.Debug("retrying after transient failure",
			slog.String("operation", operation),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = apierr.Wrap(apierr.KindTransient, "cancelled", "operation cancelled while waiting to retry", ctx.Err())
			e.record(operation, attempts, start, err)

			return zero, err
		case <-timer.C:
		}

		delay = min(delay*2, retryMaxDelay)
	}

	e.record(operation, attempts, start, err)

	return zero, err
}

// Raw runs an arbitrary authenticated API request through the same
// retry and classification policy as the typed operations.
func Raw(ctx context.Context, e *Executor, client *ledger.Client, operation, method, path string, body []byte) ([]byte, error) {
	return Do(ctx, e, operation, func(ctx context.Context, token string) ([]byte, error) {
		return client.Do(ctx, token, method, path, nil, body)
	})
}

// record writes the outcome to the journal and the log. Journal write
// failures are logged, never surfaced; the journal is diagnostics, not
// state.
func (e *Executor) record(operation string, attempts int, start time.Time, err error) {
	duration := time.Since(start)

	entry := journal.Entry{
		Operation:  operation,
		Outcome:    "ok",
		Attempts:   attempts,
		DurationMS: duration.Milliseconds(),
	}

	if err != nil {
		entry.Outcome = "error"
		entry.Error = err.Error()

		e.logger.Warn("operation failed",
			slog.String("operation", operation),
			slog.Int("attempts", attempts),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
	} else {
		e.logger.Debug("operation completed",
			slog.String("operation", operation),
			slog.Int("attempts", attempts),
			slog.Duration("duration", duration),
		)
	}

	if e.journal == nil {
		return
	}

	if recordErr := e.journal.Record(entry); recordErr != nil {
		e.logger.Warn("journal write failed", slog.String("error", recordErr.Error()))
	}
}

// classify normalizes any error into the taxonomy. Taxonomy errors pass
// through untouched.
func classify(err error) error {
	var taxErr *apierr.Error
	if errors.As(err, &taxErr) {
		return err
	}

	var transportErr *ledger.TransportError
	if errors.As(err, &transportErr) {
		return apierr.Transient("network_error", transportErr.Error(), err)
	}

	var apiErr *ledger.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr)
	}

	return apierr.Unknown(err)
}

// classifyStatus maps an HTTP status to a taxonomy kind. 429 and 5xx
// are transient; everything else in 4xx is a terminal rejection of this
// specific request and must not be retried.
func classifyStatus(apiErr *ledger.APIError) error {
	code := apiErr.Code
	if code == "" {
		code = fmt.Sprintf("http_%d", apiErr.StatusCode)
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
		return apierr.Transient(code, apiErr.Message, apiErr)

	case apiErr.StatusCode == http.StatusUnauthorized:
		return apierr.Wrap(apierr.KindAuth, code, apiErr.Message, apiErr)

	case apiErr.StatusCode == http.StatusForbidden:
		return apierr.Wrap(apierr.KindAuth, code, apiErr.Message, apiErr)

	case apiErr.StatusCode == http.StatusConflict:
		return apierr.Wrap(apierr.KindConflict, code, apiErr.Message, apiErr)

	case apiErr.StatusCode >= 400:
		return apierr.Wrap(apierr.KindValidation, code, apiErr.Message, apiErr)

	default:
		return apierr.Unknown(apiErr)
	}
}

// statusOf extracts the HTTP status from an API error, or 0.
func statusOf(err error) int {
	var apiErr *ledger.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}

	return 0
}

// retryAfterOf extracts a server-requested retry delay, or 0.
func retryAfterOf(err error) time.Duration {
	var apiErr *ledger.APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}

	return 0
}
