package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/agrilink/auth-service/internal/token"
)

// DiscoveryHandler serves the OIDC discovery document and the JWKS.
// Both are derived from the codec's issuer and key, so rotating the
// signing key changes them without a config edit.
type DiscoveryHandler struct {
	Codec *token.Codec
}

// Configuration handles GET /.well-known/openid-configuration.
func (h *DiscoveryHandler) Configuration(c echo.Context) error {
	iss := h.Codec.Issuer()
	return c.JSON(http.StatusOK, echo.Map{
		"issuer":                                iss,
		"authorization_endpoint":                iss + "/oauth/authorize",
		"token_endpoint":                        iss + "/oauth/token",
		"userinfo_endpoint":                     iss + "/oauth/userinfo",
		"revocation_endpoint":                   iss + "/oauth/revoke",
		"introspection_endpoint":                iss + "/oauth/introspect",
		"jwks_uri":                              iss + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "client_credentials"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"code_challenge_methods_supported":      []string{"plain", "S256"},
	})
}

// JWKS handles GET /.well-known/jwks.json.
func (h *DiscoveryHandler) JWKS(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Codec.JWKS())
}
