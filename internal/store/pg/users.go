package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iotzator/homematrix/internal/auth"
)

type userStore struct {
	db *sql.DB
}

const userColumns = `id, email, full_name, password_hash, status, is_admin, require_2fa,
	external_auth, totp_secret, totp_enabled, totp_last_step, request_reason, created_at, approved_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var (
		u          auth.User
		approvedAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash, &u.Status, &u.IsAdmin,
		&u.Require2FA, &u.ExternalAuth, &u.TOTPSecret, &u.TOTPEnabled, &u.TOTPLastStep,
		&u.RequestReason, &u.CreatedAt, &approvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		u.ApprovedAt = &t
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, full_name, password_hash, status, is_admin, require_2fa,
			external_auth, totp_secret, totp_enabled, totp_last_step, request_reason, created_at, approved_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, u.ID, u.Email, u.FullName, u.PasswordHash, u.Status, u.IsAdmin, u.Require2FA,
		u.ExternalAuth, u.TOTPSecret, u.TOTPEnabled, u.TOTPLastStep, u.RequestReason,
		u.CreatedAt, u.ApprovedAt)
	return translateWriteError(err)
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email))
}

func (s *userStore) List(ctx context.Context) ([]*auth.User, error) {
	return s.list(ctx, `select `+userColumns+` from users order by created_at, id`)
}

func (s *userStore) ListPending(ctx context.Context) ([]*auth.User, error) {
	return s.list(ctx, `select `+userColumns+` from users where status = 'pending' order by created_at, id`)
}

func (s *userStore) list(ctx context.Context, query string, args ...any) ([]*auth.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *userStore) SetStatus(ctx context.Context, id string, status auth.UserStatus, approvedAt *time.Time) error {
	return s.update(ctx, `update users set status = $2, approved_at = $3 where id = $1`, id, status, approvedAt)
}

func (s *userStore) SetAdmin(ctx context.Context, id string, isAdmin bool) error {
	return s.update(ctx, `update users set is_admin = $2 where id = $1`, id, isAdmin)
}

func (s *userStore) SetRequire2FA(ctx context.Context, id string, required bool) error {
	return s.update(ctx, `update users set require_2fa = $2 where id = $1`, id, required)
}

func (s *userStore) SetTOTP(ctx context.Context, id, secret string, enabled bool) error {
	if secret == "" {
		return s.update(ctx, `update users set totp_secret = '', totp_enabled = false, totp_last_step = 0 where id = $1`, id)
	}
	return s.update(ctx, `update users set totp_secret = $2, totp_enabled = $3 where id = $1`, id, secret, enabled)
}

func (s *userStore) SetTOTPLastStep(ctx context.Context, id string, step int64) error {
	return s.update(ctx, `update users set totp_last_step = $2 where id = $1`, id, step)
}

// SetPassword updates the hash and revokes every session in one transaction.
func (s *userStore) SetPassword(ctx context.Context, id, passwordHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `update users set password_hash = $2 where id = $1`, id, passwordHash)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `update sessions set revoked = true where user_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	return s.update(ctx, `delete from users where id = $1`, id)
}

func (s *userStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return translateWriteError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
