// Package token signs and verifies the platform's access tokens. The codec
// is purely cryptographic: verification never touches the database or the
// blacklist cache, so external verifiers holding the JWKS reach the same
// verdict this service does.
package token

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrMalformed covers tokens that cannot be parsed at all.
	ErrMalformed = errors.New("malformed token")
	// ErrExpired covers structurally valid tokens past their exp claim.
	ErrExpired = errors.New("token expired")
	// ErrInvalidSignature covers tokens signed with the wrong key or algorithm.
	ErrInvalidSignature = errors.New("invalid token signature")
)

// Claims is the access-token payload. sub, iss, iat, exp and jti are always
// present; scope, roles and client_id appear only when supplied at issuance.
type Claims struct {
	Scope    string   `json:"scope,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// IssueOptions carries the optional claims for Issue. A zero TTL falls back
// to the codec's default access-token lifetime.
type IssueOptions struct {
	Scope    string
	Roles    []string
	ClientID string
	TTL      time.Duration
}

// Codec signs access tokens with an RSA private key and verifies them with
// the matching public key. The key id is derived from the public key so it
// stays stable across restarts and across instances sharing the key pair.
type Codec struct {
	priv       *rsa.PrivateKey
	pub        *rsa.PublicKey
	issuer     string
	kid        string
	defaultTTL time.Duration
}

// NewCodec loads the PEM-encoded RSA key pair from disk and returns a codec
// issuing tokens for the given issuer.
func NewCodec(privateKeyPath, publicKeyPath, issuer string, defaultTTL time.Duration) (*Codec, error) {
	privPEM, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, err
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, err
	}
	pubPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, err
	}
	return newCodec(priv, pub, issuer, defaultTTL)
}

func newCodec(priv *rsa.PrivateKey, pub *rsa.PublicKey, issuer string, defaultTTL time.Duration) (*Codec, error) {
	kid, err := keyID(pub)
	if err != nil {
		return nil, err
	}
	return &Codec{priv: priv, pub: pub, issuer: issuer, kid: kid, defaultTTL: defaultTTL}, nil
}

// keyID is a stable fingerprint of the public key: the first 16 hex chars of
// the SHA-256 of its DER encoding.
func keyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Issue mints a signed access token for the subject. The returned Claims are
// the exact payload embedded in the token; jti is a fresh UUID and is the
// handle used later for revocation.
func (c *Codec) Issue(subject string, opts IssueOptions) (string, Claims, error) {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := time.Now().UTC()
	claims := Claims{
		Scope:    opts.Scope,
		Roles:    opts.Roles,
		ClientID: opts.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = c.kid
	signed, err := t.SignedString(c.priv)
	if err != nil {
		return "", Claims{}, err
	}
	return signed, claims, nil
}

// Verify checks the signature and time claims of a token and returns its
// payload. It performs no store lookups; revocation is the blacklist
// cache's concern, checked separately by callers that need freshness.
func (c *Codec) Verify(raw string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidSignature
		}
		return c.pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithIssuer(c.issuer))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, ErrInvalidSignature):
			return Claims{}, ErrInvalidSignature
		default:
			return Claims{}, ErrMalformed
		}
	}
	return claims, nil
}

// KeyID exposes the stable key identifier carried in token headers.
func (c *Codec) KeyID() string { return c.kid }

// Issuer exposes the configured iss claim value.
func (c *Codec) Issuer() string { return c.issuer }

// AccessTTL exposes the default access-token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.defaultTTL }
