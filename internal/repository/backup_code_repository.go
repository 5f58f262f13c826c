package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// BackupCodeRepo owns the mfa_backup_codes table. Codes are stored as
// bcrypt hashes with a used flag; the whole set is replaced when MFA is
// (re-)enabled.
type BackupCodeRepo struct{ DB *sql.DB }

func NewBackupCodeRepo(db *sql.DB) *BackupCodeRepo { return &BackupCodeRepo{DB: db} }

// Replace swaps the user's entire backup-code set in one transaction.
func (r *BackupCodeRepo) Replace(ctx context.Context, userID string, hashes []string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM mfa_backup_codes WHERE user_id=?", userID); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO mfa_backup_codes (id, user_id, code_hash) VALUES (?,?,?)",
			uuid.NewString(), userID, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Consume finds the first unused code whose hash matches the candidate and
// marks it used. The mark is a conditional update keyed on the used flag,
// so a code presented twice concurrently is accepted at most once. The
// verify callback is the bcrypt comparison owned by the MFA service.
func (r *BackupCodeRepo) Consume(ctx context.Context, userID, code string, verify func(code, hash string) bool) (bool, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT id, code_hash FROM mfa_backup_codes WHERE user_id=? AND used=0", userID)
	if err != nil {
		return false, err
	}
	type candidate struct{ id, hash string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.hash); err != nil {
			rows.Close()
			return false, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, c := range candidates {
		if !verify(code, c.hash) {
			continue
		}
		res, err := r.DB.ExecContext(ctx,
			"UPDATE mfa_backup_codes SET used=1 WHERE id=? AND used=0", c.id)
		if err != nil {
			return false, err
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			return true, nil
		}
		// raced with another consumption of the same code; keep looking
	}
	return false, nil
}

// DeleteAll removes every backup code, used or not. Called on MFA disable.
func (r *BackupCodeRepo) DeleteAll(ctx context.Context, userID string) error {
	_, err := r.DB.ExecContext(ctx,
		"DELETE FROM mfa_backup_codes WHERE user_id=?", userID)
	return err
}
