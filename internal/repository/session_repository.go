package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agrilink/auth-service/internal/utils"
)

// Session mirrors the 'user_sessions' table: an informational device record
// created at login. Sessions do not gate API access by themselves, the
// access token does that; they exist so users can see and cut loose their
// logged-in devices.
type Session struct {
	ID         string
	UserID     string
	DeviceInfo map[string]string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastActive time.Time
}

// SessionRepo owns the user_sessions table.
type SessionRepo struct{ DB *sql.DB }

func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{DB: db} }

// Create records a device session and returns its id.
func (r *SessionRepo) Create(ctx context.Context, userID string, deviceInfo map[string]string, ttl time.Duration) (string, error) {
	token, err := utils.NewOpaqueToken(32)
	if err != nil {
		return "", err
	}
	info, err := json.Marshal(deviceInfo)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO user_sessions (id, user_id, session_token, device_info, expires_at)
		 VALUES (?,?,?,?,?)`,
		id, userID, utils.HashOpaque(token), info, time.Now().UTC().Add(ttl))
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListForUser returns all sessions belonging to a user, newest first.
func (r *SessionRepo) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, user_id, device_info, expires_at, created_at, last_active
		 FROM user_sessions WHERE user_id=? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s    Session
			info []byte
		)
		if err := rows.Scan(&s.ID, &s.UserID, &info, &s.ExpiresAt, &s.CreatedAt, &s.LastActive); err != nil {
			return nil, err
		}
		if len(info) > 0 {
			_ = json.Unmarshal(info, &s.DeviceInfo)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Delete removes one session, scoped to its owner so a user cannot revoke
// someone else's device.
func (r *SessionRepo) Delete(ctx context.Context, id, userID string) error {
	_, err := r.DB.ExecContext(ctx,
		"DELETE FROM user_sessions WHERE id=? AND user_id=?", id, userID)
	return err
}

// DeleteAllForUser removes every session the user has. Used by logout-all.
func (r *SessionRepo) DeleteAllForUser(ctx context.Context, userID string) error {
	_, err := r.DB.ExecContext(ctx,
		"DELETE FROM user_sessions WHERE user_id=?", userID)
	return err
}
