package handler

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrilink/auth-service/internal/queue"
)

func TestRegisterLoginMe(t *testing.T) {
	env := newTestEnv(t)
	uid := env.registerUser(t, "alice@example.com", "s3cret-pass")

	// registration queues a verification email carrying the token
	events := env.notify.byKind(queue.KindVerificationEmail)
	require.Len(t, events, 1)
	assert.Equal(t, uid, events[0].UserID)
	assert.NotEmpty(t, events[0].Token)

	resp := env.login(t, "alice@example.com", "s3cret-pass")
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "bearer", resp.TokenType)
	assert.Equal(t, int64(900), resp.ExpiresIn)

	claims, err := env.codec.Verify(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", claims.Subject)
	assert.Equal(t, firstPartyID, claims.ClientID)

	c, rec := env.jsonReq(t, http.MethodGet, "/api/v1/auth/me", nil)
	env.asUser(t, c, "alice@example.com")
	require.NoError(t, env.auth.Me(c))
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeMap(t, rec)
	assert.Equal(t, "alice@example.com", me["email"])
	assert.Equal(t, false, me["email_verified"])
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "bob@example.com", "pass-one")

	c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email":    "bob@example.com",
		"password": "pass-two",
	})
	require.NoError(t, env.auth.Register(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEmailVerificationIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "carol@example.com", "pass")
	link := env.notify.byKind(queue.KindVerificationEmail)[0].Token

	c, rec := env.jsonReq(t, http.MethodGet, "/api/v1/auth/verify-email/"+link, nil)
	c.SetParamNames("token")
	c.SetParamValues(link)
	require.NoError(t, env.auth.VerifyEmail(c))
	require.Equal(t, http.StatusOK, rec.Code)

	u, err := env.users.GetByEmail(nil, "carol@example.com")
	require.NoError(t, err)
	assert.True(t, u.EmailVerified)

	// the same token again is gone
	c, rec = env.jsonReq(t, http.MethodGet, "/api/v1/auth/verify-email/"+link, nil)
	c.SetParamNames("token")
	c.SetParamValues(link)
	require.NoError(t, env.auth.VerifyEmail(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginWrongPasswordUntilLockout(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "dave@example.com", "right-pass")

	for i := 0; i < env.cfg.MaxLoginAttempts; i++ {
		c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
			"email":    "dave@example.com",
			"password": "wrong-pass",
		})
		require.NoError(t, env.auth.Login(c))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	// crossing the threshold alerts the user out-of-band
	require.Len(t, env.notify.byKind(queue.KindSecurityAlert), 1)

	// even the correct password is refused while locked
	c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    "dave@example.com",
		"password": "right-pass",
	})
	require.NoError(t, env.auth.Login(c))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account_locked", decodeMap(t, rec)["error"])
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.limiter = newFakeLimiter(2)
	env.auth.Limiter = env.limiter
	env.registerUser(t, "eve@example.com", "pass")

	for i := 0; i < 2; i++ {
		c, _ := env.jsonReq(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
			"email":    "eve@example.com",
			"password": "pass",
		})
		require.NoError(t, env.auth.Login(c))
	}
	c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    "eve@example.com",
		"password": "pass",
	})
	require.NoError(t, env.auth.Login(c))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRefreshRotationRetiresOldToken(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "frank@example.com", "pass")
	first := env.login(t, "frank@example.com", "pass")

	c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/refresh", map[string]string{
		"refresh_token": first.RefreshToken,
	})
	require.NoError(t, env.auth.RefreshToken(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var second tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)

	// replaying the consumed token fails permanently
	c, rec = env.jsonReq(t, http.MethodPost, "/api/v1/auth/refresh", map[string]string{
		"refresh_token": first.RefreshToken,
	})
	require.NoError(t, env.auth.RefreshToken(c))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// the successor still works
	c, rec = env.jsonReq(t, http.MethodPost, "/api/v1/auth/refresh", map[string]string{
		"refresh_token": second.RefreshToken,
	})
	require.NoError(t, env.auth.RefreshToken(c))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogoutBlacklistsAccessToken(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "grace@example.com", "pass")

	c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/logout", nil)
	claims := env.asUser(t, c, "grace@example.com")
	require.NoError(t, env.auth.Logout(c))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.True(t, env.blackl.Contains(nil, claims.ID))
}

func TestLogoutAllRevokesSessionsAndRefreshTokens(t *testing.T) {
	env := newTestEnv(t)
	uid := env.registerUser(t, "heidi@example.com", "pass")
	first := env.login(t, "heidi@example.com", "pass")
	env.login(t, "heidi@example.com", "pass")

	sessions, err := env.session.ListForUser(nil, uid)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/logout-all", nil)
	claims := env.asUser(t, c, "heidi@example.com")
	require.NoError(t, env.auth.LogoutAll(c))
	require.Equal(t, http.StatusOK, rec.Code)

	sessions, err = env.session.ListForUser(nil, uid)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.True(t, env.blackl.Contains(nil, claims.ID))

	c, rec = env.jsonReq(t, http.MethodPost, "/api/v1/auth/refresh", map[string]string{
		"refresh_token": first.RefreshToken,
	})
	require.NoError(t, env.auth.RefreshToken(c))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionRevocationIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t)
	uidA := env.registerUser(t, "ivan@example.com", "pass")
	uidB := env.registerUser(t, "judy@example.com", "pass")
	env.login(t, "ivan@example.com", "pass")
	env.login(t, "judy@example.com", "pass")

	sessionsA, err := env.session.ListForUser(nil, uidA)
	require.NoError(t, err)
	require.Len(t, sessionsA, 1)

	// judy tries to delete ivan's session; the delete is a silent no-op
	c, rec := env.jsonReq(t, http.MethodDelete, "/api/v1/auth/sessions/"+sessionsA[0].ID, nil)
	c.SetParamNames("id")
	c.SetParamValues(sessionsA[0].ID)
	env.asUser(t, c, "judy@example.com")
	require.NoError(t, env.auth.RevokeSession(c))
	require.Equal(t, http.StatusOK, rec.Code)

	sessionsA, err = env.session.ListForUser(nil, uidA)
	require.NoError(t, err)
	assert.Len(t, sessionsA, 1)

	sessionsB, err := env.session.ListForUser(nil, uidB)
	require.NoError(t, err)
	assert.Len(t, sessionsB, 1)
}

func TestPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "kate@example.com", "old-pass")

	// unknown email gets the exact same answer as a registered one
	c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/password-reset/request", map[string]string{
		"email": "nobody@example.com",
	})
	require.NoError(t, env.auth.PasswordResetRequest(c))
	require.Equal(t, http.StatusOK, rec.Code)
	unknownBody := rec.Body.String()

	c, rec = env.jsonReq(t, http.MethodPost, "/api/v1/auth/password-reset/request", map[string]string{
		"email": "kate@example.com",
	})
	require.NoError(t, env.auth.PasswordResetRequest(c))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, unknownBody, rec.Body.String())

	resets := env.notify.byKind(queue.KindPasswordReset)
	require.Len(t, resets, 1)

	c, rec = env.jsonReq(t, http.MethodPost, "/api/v1/auth/password-reset/confirm", map[string]string{
		"token":        resets[0].Token,
		"new_password": "new-pass",
	})
	require.NoError(t, env.auth.PasswordResetConfirm(c))
	require.Equal(t, http.StatusOK, rec.Code)

	// new password works, consumed token does not
	env.login(t, "kate@example.com", "new-pass")

	c, rec = env.jsonReq(t, http.MethodPost, "/api/v1/auth/password-reset/confirm", map[string]string{
		"token":        resets[0].Token,
		"new_password": "another-pass",
	})
	require.NoError(t, env.auth.PasswordResetConfirm(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "leo@example.com", "old-pass")

	c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/password/change", map[string]string{
		"old_password": "wrong",
		"new_password": "new-pass",
	})
	env.asUser(t, c, "leo@example.com")
	require.NoError(t, env.auth.ChangePassword(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c, rec = env.jsonReq(t, http.MethodPost, "/api/v1/auth/password/change", map[string]string{
		"old_password": "old-pass",
		"new_password": "new-pass",
	})
	env.asUser(t, c, "leo@example.com")
	require.NoError(t, env.auth.ChangePassword(c))
	require.Equal(t, http.StatusOK, rec.Code)

	env.login(t, "leo@example.com", "new-pass")
}
