package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/agrilink/auth-service/internal/utils"
)

// VerificationTokenRepo owns the email_verification_tokens table. Tokens
// are single-use by deletion: a consumed row is removed outright.
type VerificationTokenRepo struct{ DB *sql.DB }

func NewVerificationTokenRepo(db *sql.DB) *VerificationTokenRepo {
	return &VerificationTokenRepo{DB: db}
}

// Issue creates a verification token for the user and returns the raw value
// to embed in the email link.
func (r *VerificationTokenRepo) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	raw, err := utils.NewOpaqueToken(32)
	if err != nil {
		return "", err
	}
	_, err = r.DB.ExecContext(ctx,
		"INSERT INTO email_verification_tokens (token_hash, user_id, expires_at) VALUES (?,?,?)",
		utils.HashOpaque(raw), userID, time.Now().UTC().Add(ttl))
	if err != nil {
		return "", err
	}
	return raw, nil
}

// Consume resolves a raw token to its user and deletes the row. Fails with
// ErrUnknownToken when absent and ErrTokenExpired when past its lifetime;
// an expired row is deleted too since it can never succeed later.
func (r *VerificationTokenRepo) Consume(ctx context.Context, raw string) (string, error) {
	hash := utils.HashOpaque(raw)
	var (
		userID    string
		expiresAt time.Time
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT user_id, expires_at FROM email_verification_tokens WHERE token_hash=? LIMIT 1",
		hash).Scan(&userID, &expiresAt)
	if err == sql.ErrNoRows {
		return "", ErrUnknownToken
	}
	if err != nil {
		return "", err
	}
	if _, err := r.DB.ExecContext(ctx,
		"DELETE FROM email_verification_tokens WHERE token_hash=?", hash); err != nil {
		return "", err
	}
	if time.Now().UTC().After(expiresAt) {
		return "", ErrTokenExpired
	}
	return userID, nil
}

// ResetTokenRepo owns the password_reset_tokens table. Unlike verification
// tokens these keep a used flag so a replayed link is distinguishable from
// a bogus one in the audit trail.
type ResetTokenRepo struct{ DB *sql.DB }

func NewResetTokenRepo(db *sql.DB) *ResetTokenRepo { return &ResetTokenRepo{DB: db} }

// Issue creates a reset token for the user and returns the raw value.
func (r *ResetTokenRepo) Issue(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	raw, err := utils.NewOpaqueToken(32)
	if err != nil {
		return "", err
	}
	_, err = r.DB.ExecContext(ctx,
		"INSERT INTO password_reset_tokens (token_hash, user_id, expires_at) VALUES (?,?,?)",
		utils.HashOpaque(raw), userID, time.Now().UTC().Add(ttl))
	if err != nil {
		return "", err
	}
	return raw, nil
}

// Consume validates a raw reset token and marks it used. The mark is a
// conditional update so two concurrent confirmations of the same link
// resolve to one winner.
func (r *ResetTokenRepo) Consume(ctx context.Context, raw string) (string, error) {
	hash := utils.HashOpaque(raw)
	var (
		userID    string
		expiresAt time.Time
		used      bool
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT user_id, expires_at, used FROM password_reset_tokens WHERE token_hash=? LIMIT 1",
		hash).Scan(&userID, &expiresAt, &used)
	if err == sql.ErrNoRows {
		return "", ErrUnknownToken
	}
	if err != nil {
		return "", err
	}
	if used {
		return "", ErrTokenUsed
	}
	if time.Now().UTC().After(expiresAt) {
		return "", ErrTokenExpired
	}
	res, err := r.DB.ExecContext(ctx,
		"UPDATE password_reset_tokens SET used=1 WHERE token_hash=? AND used=0", hash)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		if err != nil {
			return "", err
		}
		return "", ErrTokenUsed
	}
	return userID, nil
}
