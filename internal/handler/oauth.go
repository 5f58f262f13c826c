package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agrilink/auth-service/internal/config"
	"github.com/agrilink/auth-service/internal/middleware"
	"github.com/agrilink/auth-service/internal/pkce"
	"github.com/agrilink/auth-service/internal/repository"
	"github.com/agrilink/auth-service/internal/token"
)

// OAuthHandler implements the protocol surface: authorization endpoint,
// token endpoint with its three grants, revocation, introspection and
// userinfo.
type OAuthHandler struct {
	Cfg     config.Config
	Users   UserStore
	Clients ClientStore
	Codes   CodeStore
	Refresh RefreshTokenStore
	Codec   *token.Codec
	Blackl  RevocationList
}

// oauthError is the RFC 6749 error body. status rides along so the grant
// handlers can pick the HTTP code without a second return value.
type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	status      int
}

func oauthErr(status int, code, desc string) *oauthError {
	return &oauthError{Code: code, Description: desc, status: status}
}

// Authorize handles GET /oauth/authorize. The resource owner authenticates
// with a bearer token rather than an HTML login form; consent is implied.
// Errors before the client and redirect URI validate are returned directly,
// everything after that point goes back via the redirect as the RFC
// requires.
func (h *OAuthHandler) Authorize(c echo.Context) error {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, oauthErr(0, "access_denied", "authentication required"))
	}

	clientID := c.QueryParam("client_id")
	redirectURI := c.QueryParam("redirect_uri")
	if clientID == "" || redirectURI == "" {
		return c.JSON(http.StatusBadRequest, oauthErr(0, "invalid_request", "client_id and redirect_uri are required"))
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	client, err := h.Clients.Get(ctx, clientID)
	if err != nil || !client.IsActive {
		return c.JSON(http.StatusBadRequest, oauthErr(0, "invalid_request", "unknown client"))
	}
	if !client.AllowsRedirect(redirectURI) {
		// never redirect to an unregistered URI
		return c.JSON(http.StatusBadRequest, oauthErr(0, "invalid_request", "redirect_uri is not registered for this client"))
	}

	state := c.QueryParam("state")
	if c.QueryParam("response_type") != "code" {
		return redirectError(c, redirectURI, state, "unsupported_response_type", "only the code response type is supported")
	}
	challenge := c.QueryParam("code_challenge")
	if challenge == "" {
		return redirectError(c, redirectURI, state, "invalid_request", "code_challenge is required")
	}
	method := c.QueryParam("code_challenge_method")
	if !pkce.ValidMethod(method) {
		return c.JSON(http.StatusBadRequest, oauthErr(0, "invalid_request", "unsupported code_challenge_method"))
	}

	u, err := resolveSubject(ctx, h.Users, claims.Subject)
	if err != nil {
		return redirectError(c, redirectURI, state, "access_denied", "unknown resource owner")
	}

	scope := c.QueryParam("scope")
	if scope == "" {
		scope = DefaultScope
	}
	code, err := h.Codes.Issue(ctx, client.ClientID, u.ID, redirectURI, scope, challenge, method, h.Cfg.AuthCodeTTL)
	if err != nil {
		return redirectError(c, redirectURI, state, "server_error", "could not issue authorization code")
	}

	loc, _ := url.Parse(redirectURI)
	q := loc.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	loc.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, loc.String())
}

func redirectError(c echo.Context, redirectURI, state, code, desc string) error {
	loc, err := url.Parse(redirectURI)
	if err != nil {
		return c.JSON(http.StatusBadRequest, oauthErr(0, code, desc))
	}
	q := loc.Query()
	q.Set("error", code)
	q.Set("error_description", desc)
	if state != "" {
		q.Set("state", state)
	}
	loc.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, loc.String())
}

// Token handles POST /oauth/token and dispatches on grant_type.
func (h *OAuthHandler) Token(c echo.Context) error {
	grant := c.FormValue("grant_type")

	var (
		resp *tokenResponse
		oerr *oauthError
	)
	switch grant {
	case "authorization_code":
		resp, oerr = h.codeGrant(c)
	case "refresh_token":
		resp, oerr = h.refreshGrant(c)
	case "client_credentials":
		resp, oerr = h.clientCredentialsGrant(c)
	case "":
		oerr = oauthErr(http.StatusBadRequest, "invalid_request", "grant_type is required")
	default:
		oerr = oauthErr(http.StatusBadRequest, "unsupported_grant_type", "grant type "+grant+" is not supported")
	}
	if oerr != nil {
		return c.JSON(oerr.status, oerr)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, resp)
}

// clientCredentials pulls client_id/client_secret from the Authorization
// header or the form body. Basic wins when both are present.
func clientCredentials(c echo.Context) (id, secret string) {
	if user, pass, ok := c.Request().BasicAuth(); ok {
		return user, pass
	}
	return c.FormValue("client_id"), c.FormValue("client_secret")
}

// authenticateClient resolves the caller's client. All clients here are
// confidential: a request without both client_id and client_secret is
// rejected before any store lookup.
func (h *OAuthHandler) authenticateClient(c echo.Context) (repository.Client, *oauthError) {
	id, secret := clientCredentials(c)
	if id == "" || secret == "" {
		return repository.Client{}, oauthErr(http.StatusUnauthorized, "invalid_client", "client authentication required")
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	client, err := h.Clients.Authenticate(ctx, id, secret)
	if err != nil {
		return repository.Client{}, oauthErr(http.StatusUnauthorized, "invalid_client", "client authentication failed")
	}
	return client, nil
}

func (h *OAuthHandler) codeGrant(c echo.Context) (*tokenResponse, *oauthError) {
	client, oerr := h.authenticateClient(c)
	if oerr != nil {
		return nil, oerr
	}
	if !client.AllowsGrant("authorization_code") {
		return nil, oauthErr(http.StatusBadRequest, "unauthorized_client", "client may not use the authorization_code grant")
	}

	code := c.FormValue("code")
	redirectURI := c.FormValue("redirect_uri")
	verifier := c.FormValue("code_verifier")
	if code == "" || redirectURI == "" || verifier == "" {
		return nil, oauthErr(http.StatusBadRequest, "invalid_request", "code, redirect_uri and code_verifier are required")
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	ac, err := h.Codes.Consume(ctx, code, client.ClientID, redirectURI, verifier)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCodeExpired):
			return nil, oauthErr(http.StatusBadRequest, "invalid_grant", "authorization code expired")
		case errors.Is(err, repository.ErrCodeAlreadyUsed):
			return nil, oauthErr(http.StatusBadRequest, "invalid_grant", "authorization code already redeemed")
		case errors.Is(err, repository.ErrInvalidVerifier):
			return nil, oauthErr(http.StatusBadRequest, "invalid_grant", "code_verifier does not match the challenge")
		case errors.Is(err, pkce.ErrUnsupportedMethod):
			return nil, oauthErr(http.StatusBadRequest, "invalid_grant", "unsupported code challenge method")
		case errors.Is(err, repository.ErrRedirectMismatch):
			return nil, oauthErr(http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
		default:
			return nil, oauthErr(http.StatusBadRequest, "invalid_grant", "invalid authorization code")
		}
	}

	u, err := h.Users.GetByID(ctx, ac.UserID)
	if err != nil {
		return nil, oauthErr(http.StatusBadRequest, "invalid_grant", "resource owner no longer exists")
	}
	return h.issuePair(c, client.ClientID, u.ID, ac.Scope)
}

func (h *OAuthHandler) refreshGrant(c echo.Context) (*tokenResponse, *oauthError) {
	client, oerr := h.authenticateClient(c)
	if oerr != nil {
		return nil, oerr
	}
	raw := c.FormValue("refresh_token")
	if raw == "" {
		return nil, oauthErr(http.StatusBadRequest, "invalid_request", "refresh_token is required")
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	rt, err := h.Refresh.Rotate(ctx, raw, client.ClientID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTokenExpired):
			return nil, oauthErr(http.StatusBadRequest, "invalid_grant", "refresh token expired")
		case errors.Is(err, repository.ErrTokenRevoked):
			return nil, oauthErr(http.StatusBadRequest, "invalid_grant", "refresh token revoked")
		default:
			return nil, oauthErr(http.StatusBadRequest, "invalid_grant", "invalid refresh token")
		}
	}
	return h.issuePair(c, client.ClientID, rt.UserID, rt.Scope)
}

func (h *OAuthHandler) clientCredentialsGrant(c echo.Context) (*tokenResponse, *oauthError) {
	client, oerr := h.authenticateClient(c)
	if oerr != nil {
		return nil, oerr
	}
	if !client.AllowsGrant("client_credentials") {
		return nil, oauthErr(http.StatusBadRequest, "unauthorized_client", "client may not use the client_credentials grant")
	}

	scope := c.FormValue("scope")
	access, _, err := h.Codec.Issue(client.ClientID, token.IssueOptions{
		Scope:    scope,
		ClientID: client.ClientID,
	})
	if err != nil {
		return nil, oauthErr(http.StatusInternalServerError, "server_error", "could not issue token")
	}
	// no refresh token: the client can always re-authenticate
	return &tokenResponse{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int64(h.Cfg.AccessTTL / time.Second),
		Scope:       scope,
	}, nil
}

// issuePair mints an access token for the user and a fresh refresh token
// bound to the same client and scope.
func (h *OAuthHandler) issuePair(c echo.Context, clientID, userID, scope string) (*tokenResponse, *oauthError) {
	ctx, cancel := dbCtx(c)
	defer cancel()

	access, claims, err := h.Codec.Issue(userID, token.IssueOptions{
		Scope:    scope,
		ClientID: clientID,
	})
	if err != nil {
		return nil, oauthErr(http.StatusInternalServerError, "server_error", "could not issue access token")
	}
	refresh, err := h.Refresh.Issue(ctx, clientID, userID, scope, claims.ID, h.Cfg.RefreshTTL)
	if err != nil {
		return nil, oauthErr(http.StatusInternalServerError, "server_error", "could not issue refresh token")
	}
	return &tokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int64(h.Cfg.AccessTTL / time.Second),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

// Revoke handles POST /oauth/revoke. Per RFC 7009 the response does not
// reveal whether the token existed, so the body is constant and the only
// failure mode is bad client authentication.
func (h *OAuthHandler) Revoke(c echo.Context) error {
	client, oerr := h.authenticateClient(c)
	if oerr != nil {
		return c.JSON(oerr.status, oerr)
	}
	raw := c.FormValue("token")
	if raw == "" {
		return c.JSON(http.StatusOK, echo.Map{"revoked": true})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	// try it as a refresh token first; a miss is not an error
	if err := h.Refresh.RevokeForClient(ctx, raw, client.ClientID); err != nil {
		c.Logger().Warnf("refresh revocation failed: %v", err)
	}
	// then as an access token: a valid JWT gets its jti blacklisted for
	// the remainder of its life
	if claims, err := h.Codec.Verify(raw); err == nil && claims.ExpiresAt != nil {
		if err := h.Blackl.Add(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
			c.Logger().Warnf("blacklist write failed for jti=%s: %v", claims.ID, err)
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"revoked": true})
}

// Introspect handles POST /oauth/introspect (RFC 7662). Anything wrong
// with the token, including a failed lookup, collapses to active:false;
// only missing client authentication is an error.
func (h *OAuthHandler) Introspect(c echo.Context) error {
	if _, oerr := h.authenticateClient(c); oerr != nil {
		return c.JSON(oerr.status, oerr)
	}
	raw := c.FormValue("token")
	if raw == "" {
		return c.JSON(http.StatusOK, echo.Map{"active": false})
	}

	claims, err := h.Codec.Verify(raw)
	if err != nil {
		return c.JSON(http.StatusOK, echo.Map{"active": false})
	}
	if h.Blackl.Contains(c.Request().Context(), claims.ID) {
		return c.JSON(http.StatusOK, echo.Map{"active": false})
	}

	out := echo.Map{
		"active":     true,
		"token_type": "bearer",
		"sub":        claims.Subject,
		"iss":        claims.Issuer,
		"jti":        claims.ID,
		"client_id":  claims.ClientID,
	}
	if claims.Scope != "" {
		out["scope"] = claims.Scope
	}
	if claims.ExpiresAt != nil {
		out["exp"] = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		out["iat"] = claims.IssuedAt.Unix()
	}
	return c.JSON(http.StatusOK, out)
}

// UserInfo handles GET /oauth/userinfo and returns the OIDC claims the
// token's scope allows.
func (h *OAuthHandler) UserInfo(c echo.Context) error {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, oauthErr(0, "invalid_token", "authentication required"))
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := resolveSubject(ctx, h.Users, claims.Subject)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, oauthErr(0, "invalid_token", "unknown subject"))
	}

	scopes := strings.Fields(claims.Scope)
	out := echo.Map{"sub": u.ID}
	for _, s := range scopes {
		switch s {
		case "email":
			out["email"] = u.Email
			out["email_verified"] = u.EmailVerified
		case "profile":
			out["name"] = u.FullName
			out["preferred_username"] = u.Username
			out["updated_at"] = u.UpdatedAt.Unix()
		}
	}
	return c.JSON(http.StatusOK, out)
}
