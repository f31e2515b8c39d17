package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iotzator/homematrix/internal/auth"
	"github.com/iotzator/homematrix/internal/ids"
)

type roleStore struct {
	db *sql.DB
}

func (s *roleStore) Create(ctx context.Context, r *auth.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, name, description, require_2fa, created_at)
		values ($1, $2, $3, $4, $5)
	`, r.ID, r.Name, r.Description, r.Require2FA, r.CreatedAt)
	return translateWriteError(err)
}

func (s *roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	var r auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, require_2fa, created_at from roles where id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Description, &r.Require2FA, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *roleStore) List(ctx context.Context) ([]*auth.Role, error) {
	return s.list(ctx, `
		select id, name, description, require_2fa, created_at from roles order by name
	`)
}

func (s *roleStore) Rename(ctx context.Context, id, name string) error {
	return s.update(ctx, `update roles set name = $2 where id = $1`, id, name)
}

func (s *roleStore) SetRequire2FA(ctx context.Context, id string, required bool) error {
	return s.update(ctx, `update roles set require_2fa = $2 where id = $1`, id, required)
}

func (s *roleStore) Delete(ctx context.Context, id string) error {
	return s.update(ctx, `delete from roles where id = $1`, id)
}

func (s *roleStore) Assign(ctx context.Context, userID, roleID string) (*auth.UserRole, error) {
	ur := &auth.UserRole{
		ID:        ids.New(),
		UserID:    userID,
		RoleID:    roleID,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (id, user_id, role_id, created_at)
		values ($1, $2, $3, $4)
	`, ur.ID, ur.UserID, ur.RoleID, ur.CreatedAt)
	if err != nil {
		return nil, translateWriteError(err)
	}
	return ur, nil
}

func (s *roleStore) Unassign(ctx context.Context, userID, roleID string) error {
	return s.update(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
}

func (s *roleStore) RolesForUser(ctx context.Context, userID string) ([]*auth.Role, error) {
	return s.list(ctx, `
		select r.id, r.name, r.description, r.require_2fa, r.created_at
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
}

func (s *roleStore) AssignmentsForUser(ctx context.Context, userID string) ([]*auth.UserRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, role_id, created_at from user_roles where user_id = $1 order by created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.UserRole
	for rows.Next() {
		var ur auth.UserRole
		if err := rows.Scan(&ur.ID, &ur.UserID, &ur.RoleID, &ur.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ur)
	}
	return out, rows.Err()
}

func (s *roleStore) list(ctx context.Context, query string, args ...any) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Require2FA, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *roleStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return translateWriteError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
