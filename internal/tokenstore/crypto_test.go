package tokenstore

import (
	"testing"

	"github.com/alexjbarnes/ledger-mcp/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	salt := []byte("salt-0123456789")

	k1, err := DeriveKey("passphrase", salt)
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := DeriveKey("passphrase", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same inputs must produce same key")
}

func TestDeriveKey_DifferentInputsDifferentKeys(t *testing.T) {
	salt := []byte("salt-0123456789")

	k1, err := DeriveKey("passphrase-1", salt)
	require.NoError(t, err)

	k2, err := DeriveKey("passphrase-2", salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	k3, err := DeriveKey("passphrase-1", []byte("other-salt-01234"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestDeriveKey_NFKCNormalization(t *testing.T) {
	// The fullwidth 'A' (U+FF21) normalizes to ASCII 'A' under NFKC, so
	// both spellings of the passphrase must derive the same key.
	salt := []byte("salt-0123456789")

	k1, err := DeriveKey("passＡword", salt)
	require.NoError(t, err)

	k2, err := DeriveKey("passAword", salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	plaintext := []byte(`{"access_token":"a","refresh_token":"r"}`)

	blob, err := Encrypt(plaintext, "correct horse battery staple")
	require.NoError(t, err)

	got, err := Decrypt(blob, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	plaintext := []byte("same plaintext")

	b1, err := Encrypt(plaintext, "secret")
	require.NoError(t, err)

	b2, err := Encrypt(plaintext, "secret")
	require.NoError(t, err)

	assert.NotEqual(t, b1.Salt, b2.Salt, "salt must be regenerated per write")
	assert.NotEqual(t, b1.IV, b2.IV, "IV must be regenerated per write")
	assert.NotEqual(t, b1.Ciphertext, b2.Ciphertext)
}

func TestDecrypt_WrongPassphrase(t *testing.T) {
	blob, err := Encrypt([]byte("payload"), "secret-one")
	require.NoError(t, err)

	_, err = Decrypt(blob, "secret-two")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindDecryption))
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	blob, err := Encrypt([]byte("payload"), "secret")
	require.NoError(t, err)

	blob.Ciphertext[0] ^= 0xFF

	_, err = Decrypt(blob, "secret")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindDecryption))
}

func TestDecrypt_UnsupportedVersion(t *testing.T) {
	blob, err := Encrypt([]byte("payload"), "secret")
	require.NoError(t, err)

	blob.Version = 99

	_, err = Decrypt(blob, "secret")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindDecryption))
	assert.Contains(t, err.Error(), "credentials_unreadable")
}

func TestDecrypt_InvalidIVLength(t *testing.T) {
	blob, err := Encrypt([]byte("payload"), "secret")
	require.NoError(t, err)

	blob.IV = blob.IV[:4]

	_, err = Decrypt(blob, "secret")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindDecryption))
}
