package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/agrilink/auth-service/internal/config"
	"github.com/agrilink/auth-service/internal/mfa"
	"github.com/agrilink/auth-service/internal/middleware"
	"github.com/agrilink/auth-service/internal/queue"
	"github.com/agrilink/auth-service/internal/repository"
	"github.com/agrilink/auth-service/internal/utils"
)

// MFAHandler manages TOTP enrollment and the second-factor login flow.
// Enrollment is two-step: Enable stores a pending secret, VerifySetup
// proves the authenticator works before the flag flips on.
type MFAHandler struct {
	Cfg     config.Config
	Users   UserStore
	Backup  BackupCodeStore
	MFA     *mfa.Service
	Auth    *AuthHandler
	Limiter RateLimiter
	Notify  Notifier
}

type mfaCodeReq struct {
	Code string `json:"code"`
}
type mfaDisableReq struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}
type mfaLoginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

// Enable generates a fresh TOTP secret for the authenticated user and
// returns the otpauth provisioning URI. The secret stays inert until
// VerifySetup confirms a valid code.
func (h *MFAHandler) Enable(c echo.Context) error {
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
	if u.MFAEnabled {
		return c.JSON(http.StatusConflict, echo.Map{"error": "mfa already enabled"})
	}

	secret, err := h.MFA.GenerateSecret()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "enable failed"})
	}
	if err := h.Users.SetMFASecret(ctx, u.ID, secret); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "enable failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"secret":           secret,
		"provisioning_uri": h.MFA.ProvisioningURI(u.Email, secret),
	})
}

// VerifySetup confirms the pending secret with a live code, flips the MFA
// flag and hands out the one-time backup codes. The plaintext codes appear
// exactly once in this response; only bcrypt hashes are stored.
func (h *MFAHandler) VerifySetup(c echo.Context) error {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req mfaCodeReq
	if err := c.Bind(&req); err != nil || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code required"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := resolveSubject(ctx, h.Users, claims.Subject)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown user"})
	}
	if u.MFASecret == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "no pending mfa setup"})
	}
	if !h.MFA.VerifyTOTP(u.MFASecret, req.Code) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid code"})
	}

	codes, err := h.MFA.GenerateBackupCodes(mfa.DefaultBackups)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verify failed"})
	}
	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		hash, herr := h.MFA.HashBackupCode(code)
		if herr != nil {
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verify failed"})
		}
		hashes = append(hashes, hash)
	}
	if err := h.Backup.Replace(ctx, u.ID, hashes); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verify failed"})
	}
	if err := h.Users.EnableMFA(ctx, u.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verify failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"enabled":      true,
		"backup_codes": codes,
	})
}

// Disable turns MFA off. It demands the password plus a valid TOTP or
// backup code, so a stolen session alone cannot strip the second factor.
func (h *MFAHandler) Disable(c echo.Context) error {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var req mfaDisableReq
	if err := c.Bind(&req); err != nil || req.Password == "" || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "password and code required"})
	}

	ctx, cancel := dbCtx(c)
	defer cancel()

	u, err := resolveSubject(ctx, h.Users, claims.Subject)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unknown user"})
	}
	if !u.MFAEnabled {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "mfa not enabled"})
	}
	if !utils.VerifyPassword(u.PasswordHash, req.Password) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	if !h.verifySecondFactor(c, u, req.Code) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid code"})
	}

	if err := h.Users.DisableMFA(ctx, u.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "disable failed"})
	}
	if err := h.Backup.DeleteAll(ctx, u.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "disable failed"})
	}
	return c.JSON(http.StatusOK, echo.Map{"disabled": true})
}

// Login is the full first-factor plus second-factor login in one request.
// The code may be a live TOTP value or an unused backup code; a consumed
// backup code never works again.
func (h *MFAHandler) Login(c echo.Context) error {
	var req mfaLoginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" || req.Code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email, password and code required"})
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
		if lerr == nil && locked && h.Notify != nil {
			ev := queue.NotificationEvent{
				Kind:      queue.KindSecurityAlert,
				UserID:    u.ID,
				Email:     u.Email,
				Subject:   "Your account was temporarily locked after repeated failed logins",
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if nerr := h.Notify(c.Request().Context(), ev); nerr != nil {
				c.Logger().Warnf("notification publish failed: %v", nerr)
			}
		}
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	if !u.MFAEnabled {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "mfa not enabled"})
	}
	if !h.verifySecondFactor(c, u, req.Code) {
		// a wrong second factor counts against the lockout threshold too
		if _, lerr := h.Users.RecordFailedLogin(ctx, u.ID, h.Cfg.MaxLoginAttempts, h.Cfg.LockoutDuration); lerr != nil {
			c.Logger().Warnf("failed login bookkeeping: %v", lerr)
		}
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid code"})
	}

	if err := h.Users.ResetLockout(ctx, u.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "login failed"})
	}
	resp, err := h.Auth.issueFirstPartyTokens(c, u)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "issue tokens failed"})
	}
	return c.JSON(http.StatusOK, resp)
}

// verifySecondFactor accepts a live TOTP code or, failing that, burns a
// backup code.
func (h *MFAHandler) verifySecondFactor(c echo.Context, u repository.User, code string) bool {
	if h.MFA.VerifyTOTP(u.MFASecret, code) {
		return true
	}
	ctx, cancel := dbCtx(c)
	defer cancel()
	ok, err := h.Backup.Consume(ctx, u.ID, code, h.MFA.VerifyBackupCode)
	if err != nil {
		c.Logger().Warnf("backup code lookup failed: %v", err)
		return false
	}
	return ok
}
