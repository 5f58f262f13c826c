package handler // declare the package name; contains HTTP handlers

// The store interfaces below are the handlers' view of the durable store
// and shared cache. The concrete repositories in internal/repository and
// the caches in internal/cache satisfy them; tests substitute in-memory
// fakes so protocol behavior can be exercised without MySQL or Redis.

import (
	"context"
	"time"

	"github.com/agrilink/auth-service/internal/queue"
	"github.com/agrilink/auth-service/internal/repository"
)

// UserStore is the credential store: users, password hashes, MFA secrets
// and the lockout counters.
type UserStore interface {
	Create(ctx context.Context, email, username, fullName, password string, cost int) (string, error)
	GetByEmail(ctx context.Context, email string) (repository.User, error)
	GetByID(ctx context.Context, id string) (repository.User, error)
	SetEmailVerified(ctx context.Context, id string) error
	RecordFailedLogin(ctx context.Context, id string, threshold int, lockout time.Duration) (bool, error)
	ResetLockout(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, hash string) error
	SetMFASecret(ctx context.Context, id, secret string) error
	EnableMFA(ctx context.Context, id string) error
	DisableMFA(ctx context.Context, id string) error
}

// ClientStore is the registry of OAuth clients.
type ClientStore interface {
	Get(ctx context.Context, clientID string) (repository.Client, error)
	Authenticate(ctx context.Context, clientID, clientSecret string) (repository.Client, error)
}

// CodeStore issues and redeems single-use authorization codes.
type CodeStore interface {
	Issue(ctx context.Context, clientID, userID, redirectURI, scope, challenge, method string, ttl time.Duration) (string, error)
	Consume(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (repository.AuthorizationCode, error)
}

// RefreshTokenStore issues, rotates and revokes opaque refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, clientID, userID, scope, accessTokenJTI string, ttl time.Duration) (string, error)
	Rotate(ctx context.Context, raw, clientID string) (repository.RefreshToken, error)
	RevokeForClient(ctx context.Context, raw, clientID string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}

// SessionStore tracks informational device sessions.
type SessionStore interface {
	Create(ctx context.Context, userID string, deviceInfo map[string]string, ttl time.Duration) (string, error)
	ListForUser(ctx context.Context, userID string) ([]repository.Session, error)
	Delete(ctx context.Context, id, userID string) error
	DeleteAllForUser(ctx context.Context, userID string) error
}

// BackupCodeStore holds hashed one-time MFA backup codes.
type BackupCodeStore interface {
	Replace(ctx context.Context, userID string, hashes []string) error
	Consume(ctx context.Context, userID, code string, verify func(code, hash string) bool) (bool, error)
	DeleteAll(ctx context.Context, userID string) error
}

// OneTimeTokenStore covers email-verification and password-reset tokens;
// both repositories share this shape.
type OneTimeTokenStore interface {
	Issue(ctx context.Context, userID string, ttl time.Duration) (string, error)
	Consume(ctx context.Context, raw string) (string, error)
}

// RevocationList is the shared jti blacklist.
type RevocationList interface {
	Add(ctx context.Context, jti string, ttl time.Duration) error
	Contains(ctx context.Context, jti string) bool
}

// RateLimiter is the fixed-window attempt counter.
type RateLimiter interface {
	Allow(ctx context.Context, ip, identifier string) bool
}

// Notifier delivers an event to the notification queue. Callers ignore its
// error after logging: a lost email never fails the request that queued it.
type Notifier func(ctx context.Context, event queue.NotificationEvent) error
