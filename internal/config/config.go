// Package config loads all process configuration from the environment
// and an optional provider-endpoint profile. The resulting struct is
// built once at startup and passed by injection; there is no ambient
// global configuration.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Auth mode values for LEDGER_AUTH_MODE.
const (
	// AuthModeFile persists OAuth credentials in an encrypted file and
	// supports the full authorize/refresh/revoke lifecycle.
	AuthModeFile = "file"

	// AuthModeEnv reads a pre-provisioned access token from the
	// environment. No refresh capability; intended for CI and tests.
	AuthModeEnv = "env"
)

// Provider holds the OAuth endpoints and default scopes of the
// accounting provider. Built-in defaults point at Ledgerbook production;
// a YAML profile at LEDGER_PROVIDER_FILE overrides individual fields.
type Provider struct {
	AuthorizationEndpoint string   `yaml:"authorization_endpoint"`
	TokenEndpoint         string   `yaml:"token_endpoint"`
	RevocationEndpoint    string   `yaml:"revocation_endpoint"`
	Scopes                []string `yaml:"scopes"`
}

// Config holds all environment-based configuration for ledger-mcp.
type Config struct {
	// OAuth client registration with the accounting provider.
	// Required in file auth mode.
	ClientID     string `env:"LEDGER_CLIENT_ID"`
	ClientSecret string `env:"LEDGER_CLIENT_SECRET"`
	RedirectURI  string `env:"LEDGER_REDIRECT_URI" envDefault:"http://127.0.0.1:8976/callback"`

	// AuthMode selects the token store variant: "file" or "env".
	AuthMode string `env:"LEDGER_AUTH_MODE" envDefault:"file"`

	// AccessToken is the pre-provisioned token for env auth mode.
	AccessToken string `env:"LEDGER_ACCESS_TOKEN"`

	// TokenPath is where the encrypted credential file lives.
	// Defaults to ~/.ledger-mcp/tokens.enc.
	TokenPath string `env:"LEDGER_TOKEN_PATH"`

	// TokenPassphrase encrypts the credential file. When empty, a
	// machine-specific fallback is derived (weaker; a warning is logged).
	TokenPassphrase string `env:"LEDGER_TOKEN_PASSPHRASE"`

	// APIBaseURL is the accounting API base, without a trailing slash.
	APIBaseURL string `env:"LEDGER_API_BASE_URL" envDefault:"https://api.ledgerbook.com/v2"`

	// ProviderFile optionally points at a YAML profile overriding the
	// built-in OAuth endpoints.
	ProviderFile string `env:"LEDGER_PROVIDER_FILE"`

	// JournalPath is the bbolt operations journal location.
	// Defaults to ~/.ledger-mcp/journal.db.
	JournalPath string `env:"LEDGER_JOURNAL_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the per-environment default log level.
	LogLevel string `env:"LOG_LEVEL"`

	// Provider is resolved from defaults plus the optional profile file.
	// Not read from the environment directly.
	Provider Provider `env:"-"`
}

// defaultProvider returns the built-in Ledgerbook production endpoints.
func defaultProvider() Provider {
	return Provider{
		AuthorizationEndpoint: "https://auth.ledgerbook.com/oauth/authorize",
		TokenEndpoint:         "https://auth.ledgerbook.com/oauth/token",
		RevocationEndpoint:    "https://auth.ledgerbook.com/oauth/revoke",
		Scopes:                []string{"accounting:read", "accounting:write"},
	}
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env
// vars, resolves the provider profile, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Provider = defaultProvider()
	if cfg.ProviderFile != "" {
		if err := cfg.loadProviderFile(); err != nil {
			return nil, fmt.Errorf("loading provider profile: %w", err)
		}
	}

	if cfg.TokenPath == "" {
		p, err := defaultStatePath("tokens.enc")
		if err != nil {
			return nil, err
		}

		cfg.TokenPath = p
	}

	if cfg.JournalPath == "" {
		p, err := defaultStatePath("journal.db")
		if err != nil {
			return nil, err
		}

		cfg.JournalPath = p
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadProviderFile merges a YAML endpoint profile over the defaults.
// Only fields present in the file override.
func (c *Config) loadProviderFile() error {
	data, err := os.ReadFile(c.ProviderFile)
	if err != nil {
		return err
	}

	var p Provider
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parsing %s: %w", c.ProviderFile, err)
	}

	if p.AuthorizationEndpoint != "" {
		c.Provider.AuthorizationEndpoint = p.AuthorizationEndpoint
	}

	if p.TokenEndpoint != "" {
		c.Provider.TokenEndpoint = p.TokenEndpoint
	}

	if p.RevocationEndpoint != "" {
		c.Provider.RevocationEndpoint = p.RevocationEndpoint
	}

	if len(p.Scopes) > 0 {
		c.Provider.Scopes = p.Scopes
	}

	return nil
}

func (c *Config) validate() error {
	switch c.AuthMode {
	case AuthModeFile:
		if c.ClientID == "" {
			return fmt.Errorf("LEDGER_CLIENT_ID is required in file auth mode")
		}

		if c.ClientSecret == "" {
			return fmt.Errorf("LEDGER_CLIENT_SECRET is required in file auth mode")
		}

		if c.RedirectURI == "" {
			return fmt.Errorf("LEDGER_REDIRECT_URI is required in file auth mode")
		}
	case AuthModeEnv:
		if c.AccessToken == "" {
			return fmt.Errorf("LEDGER_ACCESS_TOKEN is required in env auth mode")
		}
	default:
		return fmt.Errorf("invalid LEDGER_AUTH_MODE %q: must be %q or %q", c.AuthMode, AuthModeFile, AuthModeEnv)
	}

	for name, raw := range map[string]string{
		"LEDGER_API_BASE_URL":    c.APIBaseURL,
		"authorization_endpoint": c.Provider.AuthorizationEndpoint,
		"token_endpoint":         c.Provider.TokenEndpoint,
		"revocation_endpoint":    c.Provider.RevocationEndpoint,
	} {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}

	return nil
}

// defaultStatePath returns ~/.ledger-mcp/<name>.
func defaultStatePath(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".ledger-mcp", name), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
