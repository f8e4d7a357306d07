package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by LoadSession for unknown tokens.
var ErrSessionNotFound = errors.New("session not found")

// SaveSession stores or replaces a bearer session.
func (s *Store) SaveSession(ctx context.Context, token, username string, expiresAt time.Time) error {
	if s == nil {
		return errNotInitialized
	}
	_, err := s.DB.ExecContext(ctx, s.q(`INSERT INTO sessions (token, username, expires_at) VALUES (?, ?, ?)
        ON CONFLICT (token) DO UPDATE SET username = excluded.username, expires_at = excluded.expires_at;`),
		token, username, expiresAt.Unix())
	return err
}

// LoadSession returns the username and expiry for token.
func (s *Store) LoadSession(ctx context.Context, token string) (string, time.Time, error) {
	if s == nil {
		return "", time.Time{}, errNotInitialized
	}
	var username string
	var expires int64
	err := s.DB.QueryRowContext(ctx, s.q(`SELECT username, expires_at FROM sessions WHERE token = ?;`), token).Scan(&username, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, ErrSessionNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return username, time.Unix(expires, 0), nil
}

// DeleteSession removes token; unknown tokens are not an error.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if s == nil {
		return errNotInitialized
	}
	_, err := s.DB.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE token = ?;`), token)
	return err
}

// DeleteExpiredSessions removes sessions whose expiry is not after now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	if s == nil {
		return 0, errNotInitialized
	}
	res, err := s.DB.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE expires_at <= ?;`), now.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
