package pg

import (
	"context"
	"database/sql"

	"github.com/iotzator/homematrix/internal/auth"
)

type permissionStore struct {
	db *sql.DB
}

func (s *permissionStore) Create(ctx context.Context, p *auth.RolePermission) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions (id, role_id, host_id, allowed_domains, allowed_entities, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.RoleID, p.HostID, textArray(p.AllowedDomains), textArray(p.AllowedEntities), p.CreatedAt)
	return translateWriteError(err)
}

func (s *permissionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from role_permissions where id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *permissionStore) ListForRole(ctx context.Context, roleID string) ([]*auth.RolePermission, error) {
	return s.list(ctx, `
		select id, role_id, host_id, allowed_domains, allowed_entities, created_at
		from role_permissions
		where role_id = $1
		order by created_at, id
	`, roleID)
}

// ForUserAndHost joins through the user's role assignments; the resolver
// unions whatever rows come back.
func (s *permissionStore) ForUserAndHost(ctx context.Context, userID, hostID string) ([]*auth.RolePermission, error) {
	return s.list(ctx, `
		select p.id, p.role_id, p.host_id, p.allowed_domains, p.allowed_entities, p.created_at
		from role_permissions p
		join user_roles ur on ur.role_id = p.role_id
		where ur.user_id = $1 and p.host_id = $2
		order by p.created_at, p.id
	`, userID, hostID)
}

func (s *permissionStore) HostIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.host_id
		from role_permissions p
		join user_roles ur on ur.role_id = p.role_id
		where ur.user_id = $1
		order by p.host_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *permissionStore) list(ctx context.Context, query string, args ...any) ([]*auth.RolePermission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.RolePermission
	for rows.Next() {
		var (
			p        auth.RolePermission
			domains  textArray
			entities textArray
		)
		if err := rows.Scan(&p.ID, &p.RoleID, &p.HostID, &domains, &entities, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.AllowedDomains = domains
		p.AllowedEntities = entities
		out = append(out, &p)
	}
	return out, rows.Err()
}
