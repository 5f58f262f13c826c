package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agrilink/auth-service/internal/utils"
)

// User mirrors the 'users' table. LockedUntil and LastLogin are nil until
// the account has been locked or logged in at least once.
type User struct {
	ID                  string
	Email               string
	Username            string
	FullName            string
	PasswordHash        string
	EmailVerified       bool
	MFAEnabled          bool
	MFASecret           string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLogin           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UserRepo owns all writes to the users table, including the lockout
// counters that the login path mutates under concurrency.
type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

const userColumns = "id,email,username,full_name,password_hash,email_verified,mfa_enabled,mfa_secret,failed_login_attempts,locked_until,last_login,created_at,updated_at"

// Create inserts a user with a hashed password and returns its id.
func (r *UserRepo) Create(ctx context.Context, email, username, fullName, password string, cost int) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = r.DB.ExecContext(ctx,
		"INSERT INTO users (id, email, username, full_name, password_hash) VALUES (?,?,?,?,?)",
		id, email, nullIfEmpty(username), nullIfEmpty(fullName), hash)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "1062") {
			return "", ErrEmailExists
		}
		return "", err
	}
	return id, nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", email))
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (User, error) {
	return r.scanOne(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
}

func (r *UserRepo) scanOne(row *sql.Row) (User, error) {
	var (
		u                             User
		username, fullName, mfaSecret sql.NullString
		lockedUntil, lastLogin        sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &username, &fullName, &u.PasswordHash,
		&u.EmailVerified, &u.MFAEnabled, &mfaSecret, &u.FailedLoginAttempts,
		&lockedUntil, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return User{}, ErrUnknownUser
	}
	if err != nil {
		return User{}, err
	}
	u.Username = username.String
	u.FullName = fullName.String
	u.MFASecret = mfaSecret.String
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return u, nil
}

// SetEmailVerified marks the user's email address verified.
func (r *UserRepo) SetEmailVerified(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, "UPDATE users SET email_verified=1 WHERE id=?", id)
	return err
}

// RecordFailedLogin atomically increments the failed-attempt counter and,
// when it reaches the threshold, sets locked_until and resets the counter to
// zero. The increment is done in-place so concurrent failures cannot race
// past the threshold unnoticed; the lock step is conditional on the counter
// so only one of the racing attempts applies the lock. Returns true when
// this call locked the account.
func (r *UserRepo) RecordFailedLogin(ctx context.Context, id string, threshold int, lockout time.Duration) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET failed_login_attempts = failed_login_attempts + 1 WHERE id=?", id); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE users SET locked_until=?, failed_login_attempts=0 WHERE id=? AND failed_login_attempts >= ?",
		time.Now().UTC().Add(lockout), id, threshold)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

// ResetLockout clears the failure counter and lock after a successful login
// and stamps last_login.
func (r *UserRepo) ResetLockout(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET failed_login_attempts=0, locked_until=NULL, last_login=? WHERE id=?",
		time.Now().UTC(), id)
	return err
}

// UpdatePassword replaces the password hash.
func (r *UserRepo) UpdatePassword(ctx context.Context, id, hash string) error {
	_, err := r.DB.ExecContext(ctx, "UPDATE users SET password_hash=? WHERE id=?", hash, id)
	return err
}

// SetMFASecret stores a pending TOTP secret. MFA stays disabled until the
// user proves possession through verify-setup.
func (r *UserRepo) SetMFASecret(ctx context.Context, id, secret string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET mfa_secret=?, mfa_enabled=0 WHERE id=?", secret, id)
	return err
}

// EnableMFA flips the enabled flag once setup has been verified.
func (r *UserRepo) EnableMFA(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, "UPDATE users SET mfa_enabled=1 WHERE id=?", id)
	return err
}

// DisableMFA clears both the flag and the secret.
func (r *UserRepo) DisableMFA(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET mfa_enabled=0, mfa_secret=NULL WHERE id=?", id)
	return err
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
