// Package pkce implements the two RFC 7636 code-challenge transforms used to
// bind an authorization code to the client that requested it.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

const (
	// MethodS256 hashes the verifier; the only method clients should use.
	MethodS256 = "S256"
	// MethodPlain passes the verifier through unchanged. Kept for legacy
	// clients that cannot hash.
	MethodPlain = "PLAIN"
)

// ErrUnsupportedMethod is returned for any code_challenge_method other than
// S256 or plain.
var ErrUnsupportedMethod = errors.New("unsupported code_challenge_method")

// Challenge computes the code challenge for a verifier under the given
// method. For S256 the result is base64url-no-pad(SHA-256(verifier));
// for plain it is the verifier itself. The method is matched
// case-insensitively since stored values are normalized to upper case.
func Challenge(verifier, method string) (string, error) {
	switch normalize(method) {
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case MethodPlain:
		return verifier, nil
	default:
		return "", ErrUnsupportedMethod
	}
}

// ValidMethod reports whether the method names one of the two RFC 7636
// transforms. The authorization endpoint checks this before storing a code
// so an unredeemable challenge is rejected up front instead of at exchange.
func ValidMethod(method string) bool {
	switch normalize(method) {
	case MethodS256, MethodPlain:
		return true
	default:
		return false
	}
}

// Verify recomputes the challenge from the verifier and compares it against
// the challenge stored at authorization time. The comparison is constant
// time so redemption attempts leak nothing about the stored challenge.
func Verify(verifier, method, storedChallenge string) (bool, error) {
	computed, err := Challenge(verifier, method)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) == 1, nil
}

func normalize(method string) string {
	switch method {
	case "S256", "s256":
		return MethodS256
	case "PLAIN", "plain", "Plain":
		return MethodPlain
	case "":
		// RFC 7636 defaults to plain when the method is omitted, but our
		// authorize endpoint always stores an explicit method; empty means
		// the row predates normalization and is treated as S256.
		return MethodS256
	default:
		return method
	}
}
