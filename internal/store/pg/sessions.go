package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iotzator/homematrix/internal/auth"
)

type sessionStore struct {
	db *sql.DB
}

func (s *sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, refresh_token, expires_at, created_at, revoked)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.UserID, sess.RefreshToken, sess.ExpiresAt, sess.CreatedAt, sess.Revoked)
	return translateWriteError(err)
}

func (s *sessionStore) FindByToken(ctx context.Context, refreshToken string) (*auth.Session, error) {
	var sess auth.Session
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, refresh_token, expires_at, created_at, revoked
		from sessions where refresh_token = $1
	`, refreshToken).Scan(&sess.ID, &sess.UserID, &sess.RefreshToken, &sess.ExpiresAt,
		&sess.CreatedAt, &sess.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sessionStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update sessions set revoked = true where id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *sessionStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `update sessions set revoked = true where user_id = $1`, userID)
	return err
}
