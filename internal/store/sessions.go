package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/foundry/internal/model"
)

type sessionRow struct {
	TokenHash      string     `db:"token_hash"`
	Kind           string     `db:"kind"`
	CreatedAt      time.Time  `db:"created_at"`
	ExpiresAt      *time.Time `db:"expires_at"`
	IdleTimeoutMS  int64      `db:"idle_timeout_ms"`
	LastActivityAt time.Time  `db:"last_activity_at"`
	Revoked        bool       `db:"revoked"`
}

func (r *sessionRow) toModel() *model.Session {
	return &model.Session{
		TokenHash:      r.TokenHash,
		Kind:           r.Kind,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		IdleTimeout:    time.Duration(r.IdleTimeoutMS) * time.Millisecond,
		LastActivityAt: r.LastActivityAt,
		Revoked:        r.Revoked,
	}
}

const sessionColumns = `token_hash, kind, created_at, expires_at, idle_timeout_ms,
	last_activity_at, revoked`

// CreateSession inserts a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.TokenHash, sess.Kind, sess.CreatedAt, sess.ExpiresAt,
		sess.IdleTimeout.Milliseconds(), sess.LastActivityAt, sess.Revoked,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by token hash.
func (s *SQLiteStore) GetSession(ctx context.Context, tokenHash string) (*model.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toModel(), nil
}

// TouchSession moves last_activity_at forward to at.
func (s *SQLiteStore) TouchSession(ctx context.Context, tokenHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity_at = ? WHERE token_hash = ?", at, tokenHash)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return checkAffected(res)
}

// RevokeSession marks a session revoked. Revoking an unknown session is not
// an error.
func (s *SQLiteStore) RevokeSession(ctx context.Context, tokenHash string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET revoked = 1 WHERE token_hash = ?", tokenHash); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// PurgeSessions deletes revoked sessions and sessions expired at now. It
// returns the number of rows removed.
func (s *SQLiteStore) PurgeSessions(ctx context.Context, now time.Time) (int, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+sessionColumns+` FROM sessions`); err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	purged := 0
	for i := range rows {
		sess := rows[i].toModel()
		if !sess.Revoked && !now.After(sess.Deadline()) {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			"DELETE FROM sessions WHERE token_hash = ?", sess.TokenHash); err != nil {
			return purged, fmt.Errorf("delete session: %w", err)
		}
		purged++
	}
	return purged, nil
}
