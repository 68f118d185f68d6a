// Package auth implements the OAuth client lifecycle against the
// accounting provider: the authorization handshake with CSRF state,
// code exchange, serialized token refresh, revocation, and the
// two-phase confirmation handshake gating destructive tool calls.
package auth

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
