package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/agrilink/auth-service/internal/config"
	"github.com/agrilink/auth-service/internal/mfa"
	"github.com/agrilink/auth-service/internal/repository"
	"github.com/agrilink/auth-service/internal/token"
)

const (
	testIssuer       = "https://auth.test"
	firstPartyID     = "web-app"
	firstPartySecret = "web-app-secret"
)

type testEnv struct {
	e       *echo.Echo
	cfg     config.Config
	codec   *token.Codec
	mfaSvc  *mfa.Service
	users   *fakeUsers
	clients *fakeClients
	codes   *fakeCodes
	refresh *fakeRefresh
	session *fakeSessions
	backup  *fakeBackup
	verify  *fakeOneTime
	reset   *fakeOneTime
	blackl  *fakeBlacklist
	limiter *fakeLimiter
	notify  *captureNotifier

	auth  *AuthHandler
	oauth *OAuthHandler
	mfaH  *MFAHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Config{
		Env:                "test",
		Issuer:             testIssuer,
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         30 * 24 * time.Hour,
		AuthCodeTTL:        5 * time.Minute,
		SessionTTL:         24 * time.Hour,
		BcryptCost:         bcrypt.MinCost,
		MaxLoginAttempts:   3,
		LockoutDuration:    10 * time.Minute,
		FirstPartyClientID: firstPartyID,
	}

	env := &testEnv{
		e:       echo.New(),
		cfg:     cfg,
		codec:   testCodec(t, testIssuer, cfg.AccessTTL),
		mfaSvc:  mfa.New(testIssuer, bcrypt.MinCost),
		users:   newFakeUsers(),
		codes:   newFakeCodes(),
		refresh: newFakeRefresh(),
		session: newFakeSessions(),
		backup:  newFakeBackup(),
		verify:  newFakeOneTime(),
		reset:   newFakeOneTime(),
		blackl:  newFakeBlacklist(),
		limiter: newFakeLimiter(100),
		notify:  &captureNotifier{},
	}
	env.clients = newFakeClients(repository.Client{
		ClientID:      firstPartyID,
		ClientSecret:  firstPartySecret,
		ClientName:    "Web App",
		RedirectURIs:  []string{"https://app.test/callback"},
		GrantTypes:    []string{"authorization_code", "refresh_token", "client_credentials"},
		ResponseTypes: []string{"code"},
		Scope:         DefaultScope,
		IsActive:      true,
	})

	env.auth = &AuthHandler{
		Cfg:          cfg,
		Users:        env.users,
		Refresh:      env.refresh,
		Sessions:     env.session,
		VerifyTokens: env.verify,
		ResetTokens:  env.reset,
		Codec:        env.codec,
		Blacklist:    env.blackl,
		Limiter:      env.limiter,
		Notify:       env.notify.publish,
	}
	env.oauth = &OAuthHandler{
		Cfg:     cfg,
		Users:   env.users,
		Clients: env.clients,
		Codes:   env.codes,
		Refresh: env.refresh,
		Codec:   env.codec,
		Blackl:  env.blackl,
	}
	env.mfaH = &MFAHandler{
		Cfg:     cfg,
		Users:   env.users,
		Backup:  env.backup,
		MFA:     env.mfaSvc,
		Auth:    env.auth,
		Limiter: env.limiter,
		Notify:  env.notify.publish,
	}
	return env
}

// jsonReq builds an Echo context carrying a JSON body.
func (env *testEnv) jsonReq(t *testing.T, method, target string, body any) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return env.e.NewContext(req, rec), rec
}

// formReq builds an Echo context carrying a form body, the shape the OAuth
// token endpoint consumes.
func (env *testEnv) formReq(t *testing.T, target string, form url.Values) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	return env.e.NewContext(req, rec), rec
}

// asUser stamps verified claims onto the context the way BearerAuth would.
func (env *testEnv) asUser(t *testing.T, c echo.Context, subject string) token.Claims {
	t.Helper()
	_, claims, err := env.codec.Issue(subject, token.IssueOptions{
		Scope:    DefaultScope,
		ClientID: firstPartyID,
	})
	require.NoError(t, err)
	c.Set("auth_claims", claims)
	return claims
}

// registerUser creates an account through the handler and returns its id.
func (env *testEnv) registerUser(t *testing.T, email, password string) string {
	t.Helper()
	c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email":     email,
		"username":  strings.SplitN(email, "@", 2)[0],
		"full_name": "Test User",
		"password":  password,
	})
	require.NoError(t, env.auth.Register(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	id, _ := out["user_id"].(string)
	require.NotEmpty(t, id)
	return id
}

// login runs the password login and returns the decoded token response.
func (env *testEnv) login(t *testing.T, email, password string) tokenResponse {
	t.Helper()
	c, rec := env.jsonReq(t, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	require.NoError(t, env.auth.Login(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
