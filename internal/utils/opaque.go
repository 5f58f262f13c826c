package utils // package utils provides helper functions for token creation and hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// NewOpaqueToken returns a cryptographically random hex string built from n
// bytes of entropy. Refresh tokens, email-verification tokens, password-reset
// tokens and session tokens are all opaque values of this form: unguessable,
// carrying no claims, resolvable only through the store.
func NewOpaqueToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashOpaque returns the SHA-256 hash of a raw opaque token as a hex string.
// Only the hash is persisted, so a leaked database dump cannot be replayed
// against the token endpoints.
func HashOpaque(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
