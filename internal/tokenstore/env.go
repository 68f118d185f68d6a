package tokenstore

// EnvStore serves a pre-provisioned access token from configuration.
// There is no refresh capability and nothing to persist, so Save and
// Clear are no-ops. Intended for CI and test contexts.
type EnvStore struct {
	token string
}

// NewEnvStore creates a store around a fixed access token.
func NewEnvStore(token string) *EnvStore {
	return &EnvStore{token: token}
}

// Load returns a credential set with no refresh token and no expiry.
func (s *EnvStore) Load() (*Credentials, error) {
	if s.token == "" {
		return nil, nil
	}

	return &Credentials{AccessToken: s.token}, nil
}

// Save is a no-op; the environment owns the token.
func (s *EnvStore) Save(*Credentials) error { return nil }

// Clear is a no-op; the environment owns the token.
func (s *EnvStore) Clear() error { return nil }
