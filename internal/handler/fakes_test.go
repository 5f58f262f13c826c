package handler

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/agrilink/auth-service/internal/pkce"
	"github.com/agrilink/auth-service/internal/queue"
	"github.com/agrilink/auth-service/internal/repository"
	"github.com/agrilink/auth-service/internal/token"
)

// In-memory stand-ins for the repository and cache layers. They reproduce
// the same error ladders and single-use semantics so the handlers can be
// exercised through httptest without MySQL or Redis.

// ----- users -----

type fakeUsers struct {
	mu      sync.Mutex
	byID    map[string]*repository.User
	byEmail map[string]*repository.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		byID:    map[string]*repository.User{},
		byEmail: map[string]*repository.User{},
	}
}

func (f *fakeUsers) Create(_ context.Context, email, username, fullName, password string, cost int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byEmail[email]; ok {
		return "", repository.ErrEmailExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	u := &repository.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		FullName:     fullName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	f.byID[u.ID] = u
	f.byEmail[u.Email] = u
	return u.ID, nil
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (repository.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byEmail[email]
	if !ok {
		return repository.User{}, repository.ErrUnknownUser
	}
	return *u, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (repository.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return repository.User{}, repository.ErrUnknownUser
	}
	return *u, nil
}

func (f *fakeUsers) SetEmailVerified(_ context.Context, id string) error {
	return f.update(id, func(u *repository.User) { u.EmailVerified = true })
}

func (f *fakeUsers) RecordFailedLogin(_ context.Context, id string, threshold int, lockout time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return false, repository.ErrUnknownUser
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= threshold {
		until := time.Now().UTC().Add(lockout)
		u.LockedUntil = &until
		u.FailedLoginAttempts = 0
		return true, nil
	}
	return false, nil
}

func (f *fakeUsers) ResetLockout(_ context.Context, id string) error {
	return f.update(id, func(u *repository.User) {
		u.FailedLoginAttempts = 0
		u.LockedUntil = nil
		now := time.Now().UTC()
		u.LastLogin = &now
	})
}

func (f *fakeUsers) UpdatePassword(_ context.Context, id, hash string) error {
	return f.update(id, func(u *repository.User) { u.PasswordHash = hash })
}

func (f *fakeUsers) SetMFASecret(_ context.Context, id, secret string) error {
	return f.update(id, func(u *repository.User) {
		u.MFASecret = secret
		u.MFAEnabled = false
	})
}

func (f *fakeUsers) EnableMFA(_ context.Context, id string) error {
	return f.update(id, func(u *repository.User) { u.MFAEnabled = true })
}

func (f *fakeUsers) DisableMFA(_ context.Context, id string) error {
	return f.update(id, func(u *repository.User) {
		u.MFAEnabled = false
		u.MFASecret = ""
	})
}

func (f *fakeUsers) update(id string, fn func(*repository.User)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return repository.ErrUnknownUser
	}
	fn(u)
	return nil
}

// ----- clients -----

type fakeClients struct {
	mu      sync.Mutex
	clients map[string]repository.Client
}

func newFakeClients(cs ...repository.Client) *fakeClients {
	f := &fakeClients{clients: map[string]repository.Client{}}
	for _, c := range cs {
		f.clients[c.ClientID] = c
	}
	return f
}

func (f *fakeClients) Get(_ context.Context, clientID string) (repository.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[clientID]
	if !ok {
		return repository.Client{}, repository.ErrUnknownClient
	}
	return c, nil
}

func (f *fakeClients) Authenticate(_ context.Context, clientID, clientSecret string) (repository.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[clientID]
	if !ok {
		return repository.Client{}, repository.ErrUnknownClient
	}
	if !c.IsActive {
		return repository.Client{}, repository.ErrClientInactive
	}
	if c.ClientSecret != clientSecret {
		return repository.Client{}, repository.ErrInvalidClientSecret
	}
	return c, nil
}

// ----- authorization codes -----

type fakeCodes struct {
	mu    sync.Mutex
	codes map[string]*repository.AuthorizationCode
}

func newFakeCodes() *fakeCodes {
	return &fakeCodes{codes: map[string]*repository.AuthorizationCode{}}
}

func (f *fakeCodes) Issue(_ context.Context, clientID, userID, redirectURI, scope, challenge, method string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code := randomHex(32)
	f.codes[code] = &repository.AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		ExpiresAt:           time.Now().UTC().Add(ttl),
	}
	return code, nil
}

func (f *fakeCodes) Consume(_ context.Context, code, clientID, redirectURI, codeVerifier string) (repository.AuthorizationCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ac, ok := f.codes[code]
	if !ok {
		return repository.AuthorizationCode{}, repository.ErrUnknownCode
	}
	if ac.Used {
		return repository.AuthorizationCode{}, repository.ErrCodeAlreadyUsed
	}
	if ac.ClientID != clientID {
		return repository.AuthorizationCode{}, repository.ErrClientMismatch
	}
	if ac.RedirectURI != redirectURI {
		return repository.AuthorizationCode{}, repository.ErrRedirectMismatch
	}
	if time.Now().UTC().After(ac.ExpiresAt) {
		return repository.AuthorizationCode{}, repository.ErrCodeExpired
	}
	match, err := pkce.Verify(codeVerifier, ac.CodeChallengeMethod, ac.CodeChallenge)
	if err != nil {
		return repository.AuthorizationCode{}, err
	}
	if !match {
		return repository.AuthorizationCode{}, repository.ErrInvalidVerifier
	}
	ac.Used = true
	return *ac, nil
}

// ----- refresh tokens -----

type fakeRefresh struct {
	mu     sync.Mutex
	tokens map[string]*repository.RefreshToken // keyed by raw token
}

func newFakeRefresh() *fakeRefresh {
	return &fakeRefresh{tokens: map[string]*repository.RefreshToken{}}
}

func (f *fakeRefresh) Issue(_ context.Context, clientID, userID, scope, accessTokenJTI string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := randomHex(48)
	f.tokens[raw] = &repository.RefreshToken{
		TokenHash:      raw,
		AccessTokenJTI: accessTokenJTI,
		ClientID:       clientID,
		UserID:         userID,
		Scope:          scope,
		ExpiresAt:      time.Now().UTC().Add(ttl),
	}
	return raw, nil
}

func (f *fakeRefresh) Rotate(_ context.Context, raw, clientID string) (repository.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rt, ok := f.tokens[raw]
	if !ok {
		return repository.RefreshToken{}, repository.ErrUnknownToken
	}
	if rt.Revoked {
		return repository.RefreshToken{}, repository.ErrTokenRevoked
	}
	if time.Now().UTC().After(rt.ExpiresAt) {
		return repository.RefreshToken{}, repository.ErrTokenExpired
	}
	if rt.ClientID != clientID {
		return repository.RefreshToken{}, repository.ErrClientMismatch
	}
	rt.Revoked = true
	return *rt, nil
}

func (f *fakeRefresh) RevokeForClient(_ context.Context, raw, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rt, ok := f.tokens[raw]; ok && rt.ClientID == clientID {
		rt.Revoked = true
	}
	return nil
}

func (f *fakeRefresh) RevokeAllForUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rt := range f.tokens {
		if rt.UserID == userID {
			rt.Revoked = true
		}
	}
	return nil
}

// ----- sessions -----

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]repository.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[string]repository.Session{}}
}

func (f *fakeSessions) Create(_ context.Context, userID string, deviceInfo map[string]string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	now := time.Now().UTC()
	f.sessions[id] = repository.Session{
		ID:         id,
		UserID:     userID,
		DeviceInfo: deviceInfo,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		LastActive: now,
	}
	return id, nil
}

func (f *fakeSessions) ListForUser(_ context.Context, userID string) ([]repository.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessions) Delete(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.UserID == userID {
		delete(f.sessions, id)
	}
	return nil
}

func (f *fakeSessions) DeleteAllForUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.sessions {
		if s.UserID == userID {
			delete(f.sessions, id)
		}
	}
	return nil
}

// ----- backup codes -----

type backupRow struct {
	hash string
	used bool
}

type fakeBackup struct {
	mu   sync.Mutex
	rows map[string][]*backupRow
}

func newFakeBackup() *fakeBackup { return &fakeBackup{rows: map[string][]*backupRow{}} }

func (f *fakeBackup) Replace(_ context.Context, userID string, hashes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]*backupRow, 0, len(hashes))
	for _, h := range hashes {
		rows = append(rows, &backupRow{hash: h})
	}
	f.rows[userID] = rows
	return nil
}

func (f *fakeBackup) Consume(_ context.Context, userID, code string, verify func(code, hash string) bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows[userID] {
		if row.used {
			continue
		}
		if verify(code, row.hash) {
			row.used = true
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBackup) DeleteAll(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, userID)
	return nil
}

// ----- one-time tokens -----

type oneTimeRow struct {
	userID    string
	expiresAt time.Time
}

type fakeOneTime struct {
	mu     sync.Mutex
	tokens map[string]oneTimeRow
}

func newFakeOneTime() *fakeOneTime { return &fakeOneTime{tokens: map[string]oneTimeRow{}} }

func (f *fakeOneTime) Issue(_ context.Context, userID string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := randomHex(32)
	f.tokens[raw] = oneTimeRow{userID: userID, expiresAt: time.Now().UTC().Add(ttl)}
	return raw, nil
}

func (f *fakeOneTime) Consume(_ context.Context, raw string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.tokens[raw]
	if !ok {
		return "", repository.ErrUnknownToken
	}
	delete(f.tokens, raw)
	if time.Now().UTC().After(row.expiresAt) {
		return "", repository.ErrTokenExpired
	}
	return row.userID, nil
}

// ----- blacklist and limiter -----

type fakeBlacklist struct {
	mu   sync.Mutex
	jtis map[string]time.Time
}

func newFakeBlacklist() *fakeBlacklist { return &fakeBlacklist{jtis: map[string]time.Time{}} }

func (f *fakeBlacklist) Add(_ context.Context, jti string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jti == "" || ttl <= 0 {
		return nil
	}
	f.jtis[jti] = time.Now().UTC().Add(ttl)
	return nil
}

func (f *fakeBlacklist) Contains(_ context.Context, jti string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.jtis[jti]
	return ok && time.Now().UTC().Before(exp)
}

type fakeLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newFakeLimiter(max int) *fakeLimiter {
	return &fakeLimiter{max: max, counts: map[string]int{}}
}

func (f *fakeLimiter) Allow(_ context.Context, ip, identifier string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ip + ":" + identifier
	f.counts[key]++
	return f.counts[key] <= f.max
}

// ----- notifier -----

type captureNotifier struct {
	mu     sync.Mutex
	events []queue.NotificationEvent
}

func (n *captureNotifier) publish(_ context.Context, ev queue.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *captureNotifier) byKind(kind string) []queue.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []queue.NotificationEvent
	for _, ev := range n.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// ----- helpers -----

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// testCodec writes a throwaway RSA key pair to disk and loads it the same
// way main does.
func testCodec(t *testing.T, issuer string, accessTTL time.Duration) *token.Codec {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(privPath, privPEM, 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o600))

	codec, err := token.NewCodec(privPath, pubPath, issuer, accessTTL)
	require.NoError(t, err)
	return codec
}
