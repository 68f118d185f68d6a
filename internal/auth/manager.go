package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/ledger-mcp/internal/apierr"
	"github.com/alexjbarnes/ledger-mcp/internal/config"
	"github.com/alexjbarnes/ledger-mcp/internal/tokenstore"
	"golang.org/x/sync/singleflight"
)

const (
	// clockSkewMargin is subtracted from the stored expiry when deciding
	// whether a token is still usable, absorbing clock drift between
	// this process and the provider.
	clockSkewMargin = 60 * time.Second

	// httpClientTimeout bounds every call to the authorization server
	// when no custom client is injected.
	httpClientTimeout = 30 * time.Second

	// maxAuthResponseBytes caps token endpoint response reads.
	maxAuthResponseBytes = 1 << 20
)

// Status is the read-only authentication introspection result.
// Absence of credentials is a normal status value, not an error.
type Status struct {
	Authenticated bool     `json:"authenticated"`
	AccountID     string   `json:"account_id,omitempty"`
	ExpiresAt     int64    `json:"expires_at,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
	Refreshable   bool     `json:"refreshable"`
}

// Manager orchestrates the OAuth credential lifecycle. It is the only
// component that mutates the token store after a successful exchange,
// refresh, or revoke.
type Manager struct {
	cfg        *config.Config
	store      tokenstore.Store
	httpClient *http.Client
	logger     *slog.Logger

	// refreshGroup serializes token refreshes: at most one in-flight
	// refresh request, with concurrent callers awaiting its result.
	// Providers that rotate refresh tokens on use make concurrent
	// refreshes destructive, not just wasteful.
	refreshGroup singleflight.Group
}

// NewManager creates an orchestrator around the given store.
// If httpClient is nil, a client with a 30-second timeout is used.
func NewManager(cfg *config.Config, store tokenstore.Store, httpClient *http.Client, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Manager{
		cfg:        cfg,
		store:      store,
		httpClient: httpClient,
		logger:     logger,
	}
}

// AuthorizationURL builds the provider's authorization endpoint URL
// with the client registration, requested scopes, and CSRF state.
func (m *Manager) AuthorizationURL(state string) (string, error) {
	u, err := url.Parse(m.cfg.Provider.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing authorization endpoint: %w", err)
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", m.cfg.ClientID)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	q.Set("scope", strings.Join(m.cfg.Provider.Scopes, " "))
	q.Set("state", state)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// tokenResponse is the provider's token endpoint payload for both the
// authorization_code and refresh_token grants.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	AccountID    string `json:"account_id"`
	Scope        string `json:"scope"`
}

// oauthError is the RFC 6749 error payload.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// ExchangeCode exchanges an authorization code for tokens and persists
// the resulting credential set.
func (m *Manager) ExchangeCode(ctx context.Context, code string) (*tokenstore.Credentials, error) {
	if code == "" {
		return nil, apierr.Validation("code_missing", "authorization code is required")
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", m.cfg.RedirectURI)

	resp, err := m.postToken(ctx, data)
	if err != nil {
		return nil, err
	}

	creds := m.credentialsFrom(resp, nil)
	if err := m.store.Save(creds); err != nil {
		return nil, fmt.Errorf("persisting credentials: %w", err)
	}

	m.logger.Info("authorization code exchanged",
		slog.String("account_id", creds.AccountID),
		slog.Int64("expires_at", creds.ExpiresAt),
	)

	return creds, nil
}

// ValidAccessToken returns an access token that is good for at least
// the clock-skew margin, refreshing first when necessary. Concurrent
// callers around the expiry boundary share a single refresh.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	creds, err := m.store.Load()
	if err != nil {
		return "", err
	}

	if creds == nil {
		return "", apierr.ReauthRequired("no credentials stored")
	}

	if !creds.ExpiresWithin(clockSkewMargin) {
		return creds.AccessToken, nil
	}

	return m.sharedRefresh(ctx, false)
}

// ForceRefresh discards the current access token and refreshes, even if
// the stored expiry has not passed. Used when the provider rejects a
// token the store still considers valid.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	return m.sharedRefresh(ctx, true)
}

// sharedRefresh funnels all refresh attempts through one singleflight
// key so at most one token endpoint request is in flight.
func (m *Manager) sharedRefresh(ctx context.Context, force bool) (string, error) {
	token, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx, force)
	})
	if err != nil {
		return "", err
	}

	return token.(string), nil
}

// doRefresh performs the actual refresh. It reloads the store first:
// a caller that waited on another caller's refresh finds fresh
// credentials and returns without a second network call.
func (m *Manager) doRefresh(ctx context.Context, force bool) (string, error) {
	creds, err := m.store.Load()
	if err != nil {
		return "", err
	}

	if creds == nil {
		return "", apierr.ReauthRequired("no credentials stored")
	}

	if !force && !creds.ExpiresWithin(clockSkewMargin) {
		return creds.AccessToken, nil
	}

	if creds.RefreshToken == "" {
		return "", apierr.ReauthRequired("stored credentials have no refresh token")
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", creds.RefreshToken)

	resp, err := m.postToken(ctx, data)
	if err != nil {
		return "", err
	}

	updated := m.credentialsFrom(resp, creds)
	if err := m.store.Save(updated); err != nil {
		return "", fmt.Errorf("persisting refreshed credentials: %w", err)
	}

	m.logger.Debug("access token refreshed",
		slog.Int64("expires_at", updated.ExpiresAt),
		slog.Bool("rotated", resp.RefreshToken != "" && resp.RefreshToken != creds.RefreshToken),
	)

	return updated.AccessToken, nil
}

// credentialsFrom builds a credential set from a token response.
// prev, when non-nil, supplies fields the provider omitted: providers
// that do not rotate refresh tokens leave refresh_token empty on
// refresh responses.
func (m *Manager) credentialsFrom(resp *tokenResponse, prev *tokenstore.Credentials) *tokenstore.Credentials {
	creds := &tokenstore.Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		AccountID:    resp.AccountID,
	}

	if resp.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().Unix() + resp.ExpiresIn
	}

	if resp.Scope != "" {
		creds.Scopes = strings.Fields(resp.Scope)
	} else {
		creds.Scopes = append([]string(nil), m.cfg.Provider.Scopes...)
	}

	if prev != nil {
		if creds.RefreshToken == "" {
			creds.RefreshToken = prev.RefreshToken
		}

		if creds.AccountID == "" {
			creds.AccountID = prev.AccountID
		}
	}

	return creds
}

// postToken sends a form-encoded request to the token endpoint with the
// client credentials attached and decodes the response.
func (m *Manager) postToken(ctx context.Context, data url.Values) (*tokenResponse, error) {
	data.Set("client_id", m.cfg.ClientID)
	data.Set("client_secret", m.cfg.ClientSecret)

	grant := data.Get("grant_type")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Provider.TokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Transient("token_endpoint_unreachable",
			fmt.Sprintf("%s grant failed: %v", grant, err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, m.tokenError(grant, resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	if tr.AccessToken == "" {
		return nil, apierr.Auth("token_response_invalid",
			fmt.Sprintf("%s grant returned no access token", grant))
	}

	return &tr, nil
}

// tokenError classifies a non-2xx token endpoint response.
// invalid_grant on a refresh means the refresh token is dead and the
// user must re-authorize; server-side failures are transient.
func (m *Manager) tokenError(grant string, status int, body []byte) error {
	var oe oauthError
	_ = json.Unmarshal(body, &oe)

	detail := oe.Description
	if detail == "" {
		detail = oe.Error
	}
	if detail == "" {
		detail = fmt.Sprintf("status %d", status)
	}

	if grant == "refresh_token" && oe.Error == "invalid_grant" {
		return apierr.ReauthRequired("refresh token rejected: " + detail)
	}

	if status >= 500 || status == http.StatusTooManyRequests {
		return apierr.Transient(fmt.Sprintf("token_endpoint_http_%d", status),
			fmt.Sprintf("%s grant failed: %s", grant, detail), nil)
	}

	return apierr.Auth(fmt.Sprintf("%s_rejected", grant),
		fmt.Sprintf("%s grant failed: %s", grant, detail))
}

// Status reports the current authentication state without mutating
// anything. A store that has no credentials yields a normal
// unauthenticated status; an unreadable store is a real error.
func (m *Manager) Status() (Status, error) {
	creds, err := m.store.Load()
	if err != nil {
		return Status{}, err
	}

	if creds == nil {
		return Status{}, nil
	}

	return Status{
		Authenticated: true,
		AccountID:     creds.AccountID,
		ExpiresAt:     creds.ExpiresAt,
		Scopes:        creds.Scopes,
		Refreshable:   creds.RefreshToken != "",
	}, nil
}

// Revoke tells the provider to invalidate the current tokens and then
// unconditionally clears the local store. The remote call is best
// effort: local state must match user intent even when the provider is
// unreachable.
func (m *Manager) Revoke(ctx context.Context) error {
	creds, err := m.store.Load()
	if err == nil && creds != nil {
		if revokeErr := m.postRevoke(ctx, creds); revokeErr != nil {
			m.logger.Warn("remote token revocation failed, clearing local credentials anyway",
				slog.String("error", revokeErr.Error()),
			)
		}
	}

	if err != nil {
		m.logger.Warn("could not read credentials for remote revocation, clearing local store",
			slog.String("error", err.Error()),
		)
	}

	return m.store.Clear()
}

func (m *Manager) postRevoke(ctx context.Context, creds *tokenstore.Credentials) error {
	token := creds.RefreshToken
	if token == "" {
		token = creds.AccessToken
	}

	data := url.Values{}
	data.Set("token", token)
	data.Set("client_id", m.cfg.ClientID)
	data.Set("client_secret", m.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Provider.RevocationEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("creating revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending revoke request: %w", err)
	}
	defer resp.Body.Close()

	// The revoke response is advisory only.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("revoke endpoint returned status %d", resp.StatusCode)
	}

	return nil
}
