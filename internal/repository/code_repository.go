package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/agrilink/auth-service/internal/pkce"
	"github.com/agrilink/auth-service/internal/utils"
)

// AuthorizationCode mirrors the 'authorization_codes' table. A code moves
// from issued to consumed exactly once, or silently expires.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Used                bool
	CreatedAt           time.Time
}

// CodeRepo owns the authorization_codes table.
type CodeRepo struct{ DB *sql.DB }

func NewCodeRepo(db *sql.DB) *CodeRepo { return &CodeRepo{DB: db} }

// Issue stores a fresh single-use code bound to one client, one user, one
// redirect URI and one PKCE challenge, and returns the raw code for the
// redirect. The challenge method is normalized to upper case.
func (r *CodeRepo) Issue(ctx context.Context, clientID, userID, redirectURI, scope, challenge, method string, ttl time.Duration) (string, error) {
	code, err := utils.NewOpaqueToken(32)
	if err != nil {
		return "", err
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO authorization_codes (code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, expires_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		code, clientID, userID, redirectURI, nullIfEmpty(scope), challenge,
		strings.ToUpper(method), time.Now().UTC().Add(ttl))
	if err != nil {
		return "", err
	}
	return code, nil
}

// Consume validates and redeems a code. The failure ladder is fixed:
// unknown, already used, client mismatch, redirect mismatch, expired,
// invalid PKCE verifier. On success the row is flipped used by a single
// conditional update, so two racing redemptions can never both succeed:
// the loser observes zero affected rows and reports the code as already
// used.
func (r *CodeRepo) Consume(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (AuthorizationCode, error) {
	var (
		ac    AuthorizationCode
		scope sql.NullString
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, expires_at, used, created_at
		 FROM authorization_codes WHERE code=? LIMIT 1`, code).
		Scan(&ac.Code, &ac.ClientID, &ac.UserID, &ac.RedirectURI, &scope,
			&ac.CodeChallenge, &ac.CodeChallengeMethod, &ac.ExpiresAt, &ac.Used, &ac.CreatedAt)
	if err == sql.ErrNoRows {
		return AuthorizationCode{}, ErrUnknownCode
	}
	if err != nil {
		return AuthorizationCode{}, err
	}
	ac.Scope = scope.String

	if ac.Used {
		return AuthorizationCode{}, ErrCodeAlreadyUsed
	}
	if ac.ClientID != clientID {
		return AuthorizationCode{}, ErrClientMismatch
	}
	if ac.RedirectURI != redirectURI {
		return AuthorizationCode{}, ErrRedirectMismatch
	}
	if time.Now().UTC().After(ac.ExpiresAt) {
		return AuthorizationCode{}, ErrCodeExpired
	}
	ok, err := pkce.Verify(codeVerifier, ac.CodeChallengeMethod, ac.CodeChallenge)
	if err != nil {
		// a stored method the verifier cannot process, kept distinct from
		// a plain mismatch
		return AuthorizationCode{}, err
	}
	if !ok {
		return AuthorizationCode{}, ErrInvalidVerifier
	}

	res, err := r.DB.ExecContext(ctx,
		"UPDATE authorization_codes SET used=1 WHERE code=? AND used=0", code)
	if err != nil {
		return AuthorizationCode{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AuthorizationCode{}, err
	}
	if n == 0 {
		return AuthorizationCode{}, ErrCodeAlreadyUsed
	}
	ac.Used = true
	return ac, nil
}

// DeleteExpired clears codes past their lifetime. Called opportunistically;
// correctness never depends on it since Consume checks expires_at itself.
func (r *CodeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"DELETE FROM authorization_codes WHERE expires_at < ?", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
