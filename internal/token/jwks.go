package token

import (
	"encoding/base64"
	"math/big"
)

// JWK is a single RFC 7517 key entry. Only the RSA public parameters are
// published; an API gateway needs nothing else to verify our tokens offline.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the key-set document served at /.well-known/jwks.json.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns the public verification key set, keyed by the codec's stable
// key id so rotated keys can coexist in the document later.
func (c *Codec) JWKS() JWKS {
	return JWKS{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: c.kid,
		N:   base64.RawURLEncoding.EncodeToString(c.pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(c.pub.E)).Bytes()),
	}}}
}
