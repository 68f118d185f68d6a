// Package tokenstore persists and retrieves the OAuth credential set.
// Two variants exist behind one interface: an encrypted file store for
// interactive use and an environment store for short-lived CI contexts.
package tokenstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alexjbarnes/ledger-mcp/internal/config"
)

// Credentials is the OAuth credential set for the accounting provider.
// ExpiresAt is the server-reported expiry in unix seconds; zero means
// the token has no known expiry (env variant).
type Credentials struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresAt    int64    `json:"expires_at,omitempty"`
	AccountID    string   `json:"account_id,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// ExpiresWithin reports whether the access token expires within the
// given margin. Credentials without a known expiry never expire.
func (c *Credentials) ExpiresWithin(margin time.Duration) bool {
	if c.ExpiresAt == 0 {
		return false
	}

	return time.Now().Unix() >= c.ExpiresAt-int64(margin.Seconds())
}

// clone returns a copy so callers cannot mutate stored state.
func (c *Credentials) clone() *Credentials {
	out := *c
	out.Scopes = append([]string(nil), c.Scopes...)

	return &out
}

// Store persists the current credential set. Load returns (nil, nil)
// when no credentials have been stored yet; that is a normal state for
// a first run, not an error.
type Store interface {
	Load() (*Credentials, error)
	Save(*Credentials) error
	Clear() error
}

// New selects and builds the store variant from configuration.
func New(cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.AuthMode {
	case config.AuthModeEnv:
		return NewEnvStore(cfg.AccessToken), nil
	case config.AuthModeFile:
		passphrase := cfg.TokenPassphrase
		if passphrase == "" {
			var err error

			passphrase, err = fallbackPassphrase()
			if err != nil {
				return nil, err
			}

			logger.Warn("LEDGER_TOKEN_PASSPHRASE not set, using machine-derived fallback; " +
				"credentials will not be portable and are weaker against local attackers")
		}

		return NewFileStore(cfg.TokenPath, passphrase, logger)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

// fallbackPassphrase derives a machine-specific passphrase from the
// hostname and home directory. Weaker than an operator-supplied secret,
// but keeps the token file unreadable when copied to another machine.
func fallbackPassphrase() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("determining hostname: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	h := sha256.Sum256([]byte("ledger-mcp|" + hostname + "|" + home))

	return hex.EncodeToString(h[:]), nil
}

// validateForSave enforces the credential-set invariant: a refresh
// token without an access token must never be persisted.
func validateForSave(creds *Credentials) error {
	if creds == nil {
		return fmt.Errorf("refusing to save nil credentials")
	}

	if creds.AccessToken == "" {
		return fmt.Errorf("refusing to save credentials without an access token")
	}

	return nil
}
