package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iotzator/homematrix/internal/auth"
)

type deviceStore struct {
	db *sql.DB
}

func (s *deviceStore) Create(ctx context.Context, d *auth.TrustedDevice) error {
	_, err := s.db.ExecContext(ctx, `
		insert into trusted_devices (id, user_id, token, name, expires_at, created_at, last_seen)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, d.ID, d.UserID, d.Token, d.Name, d.ExpiresAt, d.CreatedAt, d.LastSeen)
	return translateWriteError(err)
}

func (s *deviceStore) FindForUser(ctx context.Context, userID, token string) (*auth.TrustedDevice, error) {
	var d auth.TrustedDevice
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token, name, expires_at, created_at, last_seen
		from trusted_devices
		where user_id = $1 and token = $2
	`, userID, token).Scan(&d.ID, &d.UserID, &d.Token, &d.Name, &d.ExpiresAt,
		&d.CreatedAt, &d.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *deviceStore) Touch(ctx context.Context, id string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `update trusted_devices set last_seen = $2 where id = $1`, id, seenAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
