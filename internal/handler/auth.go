package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agrilink/auth-service/internal/config"
	"github.com/agrilink/auth-service/internal/middleware"
	"github.com/agrilink/auth-service/internal/queue"
	"github.com/agrilink/auth-service/internal/repository"
	"github.com/agrilink/auth-service/internal/token"
	"github.com/agrilink/auth-service/internal/utils"
)

// DefaultScope is granted on first-party logins.
const DefaultScope = "openid profile email"

// AuthHandler implements the legacy first-party endpoints: register, email
// verification, login, refresh, logout, sessions and password management.
// They provide the same issuance/rotation/revocation semantics as the OAuth
// endpoints without the redirect dance, always on behalf of the configured
// first-party client.
type AuthHandler struct {
	Cfg          config.Config
	Users        UserStore
	Refresh      RefreshTokenStore
	Sessions     SessionStore
	VerifyTokens OneTimeTokenStore
	ResetTokens  OneTimeTokenStore
	Codec        *token.Codec
	Blacklist    RevocationList
	Limiter      RateLimiter
	Notify       Notifier
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
}
type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}
type emailReq struct {
	Email string `json:"email"`
}
type resetConfirmReq struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}
type changePasswordReq struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// genericResetMsg is returned whether or not the account exists, so the
// endpoint cannot be used to enumerate registered emails.
const genericResetMsg = "If the email exists, a link has been sent."

// Register creates a user and queues a verification email. The account can
// log in before verifying; email_verified only gates userinfo claims.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	uid, err := h.Users.Create(ctx, req.Email, req.Username, req.FullName, req.Password, h.Cfg.BcryptCost)
	if err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return c.JSON(http.StatusConflict, echo.Map{"error": "email already registered"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "create user failed"})
	}

	verify, err := h.VerifyTokens.Issue(ctx, uid, 24*time.Hour)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue verification failed"})
	}
	h.notify(c, queue.NotificationEvent{
		Kind:    queue.KindVerificationEmail,
		UserID:  uid,
		Email:   req.Email,
		Token:   verify,
		Subject: "Verify your email address",
	})

	return c.JSON(http.StatusCreated, echo.Map{
		"user_id": uid,
		"message": "Verification email sent",
	})
}

// ResendVerification queues a fresh verification email. Always answers with
// the generic message regardless of whether the account exists.
func (h *AuthHandler) ResendVerification(c echo.Context) error {
	var req emailReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email required"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil || u.EmailVerified {
		return c.JSON(http.StatusOK, echo.Map{"message": genericResetMsg})
	}
	verify, err := h.VerifyTokens.Issue(ctx, u.ID, 24*time.Hour)
	if err == nil {
		h.notify(c, queue.NotificationEvent{
			Kind:    queue.KindVerificationEmail,
			UserID:  u.ID,
			Email:   u.Email,
			Token:   verify,
			Subject: "Verify your email address",
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": genericResetMsg})
}

// VerifyEmail consumes a verification token from the emailed link.
func (h *AuthHandler) VerifyEmail(c echo.Context) error {
	raw := c.Param("token")

	ctx, cancel := dbCtx(c)
	defer cancel()

	uid, err := h.VerifyTokens.Consume(ctx, raw)
	if err != nil {
		if errors.Is(err, repository.ErrTokenExpired) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "token expired"})
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid token"})
	}
	if err := h.Users.SetEmailVerified(ctx, uid); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verification failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"verified": true})
}

// Login authenticates a password and returns an access/refresh token pair.
// The order of the guards matters: rate limit first (cheapest, keyed before
// we touch the store), then lockout, then the password itself. A locked
// account rejects even a correct password.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/password required"})
	}

	if !h.Limiter.Allow(c.Request().Context(), clientIP(c), req.Email) {
		return c.JSON(http.StatusTooManyRequests, echo.Map{"error": "too_many_attempts"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	if u.LockedUntil != nil && u.LockedUntil.After(time.Now().UTC()) {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "account_locked"})
	}
	if !utils.VerifyPassword(u.PasswordHash, req.Password) {
		locked, lerr := h.Users.RecordFailedLogin(ctx, u.ID, h.Cfg.MaxLoginAttempts, h.Cfg.LockoutDuration)
		if lerr == nil && locked {
			h.notify(c, queue.NotificationEvent{
				Kind:    queue.KindSecurityAlert,
				UserID:  u.ID,
				Email:   u.Email,
				Subject: "Your account was temporarily locked after repeated failed logins",
			})
		}
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	if u.MFAEnabled {
		// the password alone is not enough; the client must use the MFA
		// login endpoint which takes the second factor in the same request
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "mfa_required"})
	}

	if err := h.Users.ResetLockout(ctx, u.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "login failed"})
	}
	resp, err := h.issueFirstPartyTokens(c, u)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue tokens failed"})
	}
	return c.JSON(http.StatusOK, resp)
}

// issueFirstPartyTokens mints the access/refresh pair and device session a
// successful first-party authentication produces. Legacy tokens carry the
// email as subject for compatibility with existing consumers.
func (h *AuthHandler) issueFirstPartyTokens(c echo.Context, u repository.User) (tokenResponse, error) {
	ctx, cancel := dbCtx(c)
	defer cancel()

	access, claims, err := h.Codec.Issue(u.Email, token.IssueOptions{
		Scope:    DefaultScope,
		Roles:    []string{"user"},
		ClientID: h.Cfg.FirstPartyClientID,
	})
	if err != nil {
		return tokenResponse{}, err
	}
	refresh, err := h.Refresh.Issue(ctx, h.Cfg.FirstPartyClientID, u.ID, DefaultScope, claims.ID, h.Cfg.RefreshTTL)
	if err != nil {
		return tokenResponse{}, err
	}
	if _, err := h.Sessions.Create(ctx, u.ID, deviceInfo(c), h.Cfg.SessionTTL); err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int64(h.Cfg.AccessTTL / time.Second),
		RefreshToken: refresh,
		Scope:        DefaultScope,
	}, nil
}

// RefreshToken rotates a first-party refresh token: the old token is
// retired permanently and a new pair is returned.
func (h *AuthHandler) RefreshToken(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "refresh_token required"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	rt, err := h.Refresh.Rotate(ctx, strings.TrimSpace(req.RefreshToken), h.Cfg.FirstPartyClientID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTokenRevoked):
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "refresh token revoked"})
		case errors.Is(err, repository.ErrTokenExpired):
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "refresh token expired"})
		default:
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
		}
	}
	if rt.UserID == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
	}
	u, err := h.Users.GetByID(ctx, rt.UserID)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
	}

	scope := rt.Scope
	if scope == "" {
		scope = DefaultScope
	}
	access, claims, err := h.Codec.Issue(u.Email, token.IssueOptions{
		Scope:    scope,
		Roles:    []string{"user"},
		ClientID: h.Cfg.FirstPartyClientID,
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue access failed"})
	}
	refresh, err := h.Refresh.Issue(ctx, h.Cfg.FirstPartyClientID, u.ID, scope, claims.ID, h.Cfg.RefreshTTL)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue refresh failed"})
	}
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int64(h.Cfg.AccessTTL / time.Second),
		RefreshToken: refresh,
		Scope:        scope,
	})
}

// Logout blacklists the presented access token for its remaining lifetime.
// The entry self-expires exactly when the token would have, so the
// blacklist never outgrows the set of live revoked tokens.
func (h *AuthHandler) Logout(c echo.Context) error {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	h.blacklistClaims(c, claims)
	return c.JSON(http.StatusOK, echo.Map{"logged_out": true})
}

// LogoutAll revokes every refresh token and deletes every device session
// the user has, then blacklists the current access token.
func (h *AuthHandler) LogoutAll(c echo.Context) error {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := resolveSubject(ctx, h.Users, claims.Subject)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown user"})
	}
	if err := h.Refresh.RevokeAllForUser(ctx, u.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
	}
	if err := h.Sessions.DeleteAllForUser(ctx, u.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
	}
	h.blacklistClaims(c, claims)
	return c.JSON(http.StatusOK, echo.Map{"logged_out_all": true})
}

func (h *AuthHandler) blacklistClaims(c echo.Context, claims token.Claims) {
	if claims.ExpiresAt == nil {
		return
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if err := h.Blacklist.Add(c.Request().Context(), claims.ID, ttl); err != nil {
		c.Logger().Warnf("blacklist write failed for jti=%s: %v", claims.ID, err)
	}
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(c echo.Context) error {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := resolveSubject(ctx, h.Users, claims.Subject)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown user"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"id":             u.ID,
		"email":          u.Email,
		"username":       u.Username,
		"full_name":      u.FullName,
		"email_verified": u.EmailVerified,
		"mfa_enabled":    u.MFAEnabled,
	})
}

// ListSessions returns the user's device sessions.
func (h *AuthHandler) ListSessions(c echo.Context) error {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := resolveSubject(ctx, h.Users, claims.Subject)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown user"})
	}
	sessions, err := h.Sessions.ListForUser(ctx, u.ID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "list sessions failed"})
	}

	out := make([]echo.Map, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, echo.Map{
			"id":          s.ID,
			"device_info": s.DeviceInfo,
			"expires_at":  s.ExpiresAt,
			"created_at":  s.CreatedAt,
			"last_active": s.LastActive,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"sessions": out})
}

// RevokeSession deletes one of the user's own sessions.
func (h *AuthHandler) RevokeSession(c echo.Context) error {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	sid := strings.TrimSpace(c.Param("id"))
	if sid == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "session id required"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := resolveSubject(ctx, h.Users, claims.Subject)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown user"})
	}
	if err := h.Sessions.Delete(ctx, sid, u.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "revoke session failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"revoked": true})
}

// PasswordResetRequest queues a reset email. The response is identical
// whether or not the address is registered.
func (h *AuthHandler) PasswordResetRequest(c echo.Context) error {
	var req emailReq
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email required"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		return c.JSON(http.StatusOK, echo.Map{"message": genericResetMsg})
	}
	reset, err := h.ResetTokens.Issue(ctx, u.ID, time.Hour)
	if err == nil {
		h.notify(c, queue.NotificationEvent{
			Kind:    queue.KindPasswordReset,
			UserID:  u.ID,
			Email:   u.Email,
			Token:   reset,
			Subject: "Reset your password",
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": genericResetMsg})
}

// PasswordResetConfirm consumes a reset token and installs the new password.
func (h *AuthHandler) PasswordResetConfirm(c echo.Context) error {
	var req resetConfirmReq
	if err := c.Bind(&req); err != nil || req.Token == "" || req.NewPassword == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "token and new_password required"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	uid, err := h.ResetTokens.Consume(ctx, req.Token)
	if err != nil {
		if errors.Is(err, repository.ErrTokenExpired) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "token expired"})
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid token"})
	}
	hash, err := utils.HashPassword(req.NewPassword, h.Cfg.BcryptCost)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "reset failed"})
	}
	if err := h.Users.UpdatePassword(ctx, uid, hash); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "reset failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"reset": true})
}

// ChangePassword replaces the password for an authenticated user after
// re-checking the old one.
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req changePasswordReq
	if err := c.Bind(&req); err != nil || req.OldPassword == "" || req.NewPassword == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "old_password and new_password required"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := resolveSubject(ctx, h.Users, claims.Subject)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown user"})
	}
	if !utils.VerifyPassword(u.PasswordHash, req.OldPassword) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid old password"})
	}
	hash, err := utils.HashPassword(req.NewPassword, h.Cfg.BcryptCost)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "change failed"})
	}
	if err := h.Users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "change failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"changed": true})
}

func (h *AuthHandler) notify(c echo.Context, ev queue.NotificationEvent) {
	if h.Notify == nil {
		return
	}
	ev.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := h.Notify(c.Request().Context(), ev); err != nil {
		c.Logger().Warnf("notification publish failed (%s to %s): %v", ev.Kind, ev.Email, err)
	}
}
