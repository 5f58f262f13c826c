package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/agrilink/auth-service/internal/utils"
)

// RefreshToken mirrors the 'refresh_tokens' table. Only the SHA-256 hash of
// the opaque token is stored; the raw value exists nowhere but the client.
// UserID is empty for client-credentials tokens.
type RefreshToken struct {
	TokenHash      string
	AccessTokenJTI string
	ClientID       string
	UserID         string
	Scope          string
	ExpiresAt      time.Time
	Revoked        bool
	CreatedAt      time.Time
}

// RefreshTokenRepo owns the refresh_tokens table. Every rotation retires the
// old row permanently; a rotated token can never produce another exchange.
type RefreshTokenRepo struct{ DB *sql.DB }

func NewRefreshTokenRepo(db *sql.DB) *RefreshTokenRepo { return &RefreshTokenRepo{DB: db} }

// Issue stores a new refresh token bound to the jti of the access token it
// was minted alongside, and returns the raw token for the client.
func (r *RefreshTokenRepo) Issue(ctx context.Context, clientID, userID, scope, accessTokenJTI string, ttl time.Duration) (string, error) {
	raw, err := utils.NewOpaqueToken(48)
	if err != nil {
		return "", err
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, access_token_jti, client_id, user_id, scope, expires_at)
		 VALUES (?,?,?,?,?,?)`,
		utils.HashOpaque(raw), accessTokenJTI, clientID, nullIfEmpty(userID),
		nullIfEmpty(scope), time.Now().UTC().Add(ttl))
	if err != nil {
		return "", err
	}
	return raw, nil
}

func (r *RefreshTokenRepo) getByHash(ctx context.Context, hash string) (RefreshToken, error) {
	var (
		rt            RefreshToken
		userID, scope sql.NullString
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT token_hash, access_token_jti, client_id, user_id, scope, expires_at, revoked, created_at
		 FROM refresh_tokens WHERE token_hash=? LIMIT 1`, hash).
		Scan(&rt.TokenHash, &rt.AccessTokenJTI, &rt.ClientID, &userID, &scope,
			&rt.ExpiresAt, &rt.Revoked, &rt.CreatedAt)
	if err == sql.ErrNoRows {
		return RefreshToken{}, ErrUnknownToken
	}
	if err != nil {
		return RefreshToken{}, err
	}
	rt.UserID = userID.String
	rt.Scope = scope.String
	return rt, nil
}

// Rotate validates a raw refresh token for the given client and retires it.
// The failure ladder is unknown, revoked, expired, client mismatch. The
// retire step is a single conditional update on the revoked flag, so two
// concurrent rotations of the same token resolve to exactly one winner; the
// loser sees the token as already revoked. The caller mints the successor
// access token and calls Issue with its jti.
func (r *RefreshTokenRepo) Rotate(ctx context.Context, raw, clientID string) (RefreshToken, error) {
	rt, err := r.getByHash(ctx, utils.HashOpaque(raw))
	if err != nil {
		return RefreshToken{}, err
	}
	if rt.Revoked {
		return RefreshToken{}, ErrTokenRevoked
	}
	if time.Now().UTC().After(rt.ExpiresAt) {
		return RefreshToken{}, ErrTokenExpired
	}
	if rt.ClientID != clientID {
		return RefreshToken{}, ErrClientMismatch
	}

	res, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked=1 WHERE token_hash=? AND revoked=0", rt.TokenHash)
	if err != nil {
		return RefreshToken{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RefreshToken{}, err
	}
	if n == 0 {
		return RefreshToken{}, ErrTokenRevoked
	}
	return rt, nil
}

// RevokeForClient marks a token revoked if it belongs to the client.
// Idempotent, and silent for unknown or foreign tokens so the revocation
// endpoint never leaks whether a token exists.
func (r *RefreshTokenRepo) RevokeForClient(ctx context.Context, raw, clientID string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked=1 WHERE token_hash=? AND client_id=?",
		utils.HashOpaque(raw), clientID)
	return err
}

// RevokeAllForUser retires every active refresh token a user holds.
func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked=1 WHERE user_id=? AND revoked=0", userID)
	return err
}
