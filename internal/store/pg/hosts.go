package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/iotzator/homematrix/internal/auth"
)

type hostStore struct {
	db *sql.DB
}

const hostColumns = `id, name, base_url, encrypted_token, description, active, created_at`

func scanHost(row interface{ Scan(...any) error }) (*auth.Host, error) {
	var h auth.Host
	err := row.Scan(&h.ID, &h.Name, &h.BaseURL, &h.EncryptedToken, &h.Description,
		&h.Active, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *hostStore) Create(ctx context.Context, h *auth.Host) error {
	_, err := s.db.ExecContext(ctx, `
		insert into hosts (id, name, base_url, encrypted_token, description, active, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, h.ID, h.Name, h.BaseURL, h.EncryptedToken, h.Description, h.Active, h.CreatedAt)
	return translateWriteError(err)
}

func (s *hostStore) Find(ctx context.Context, id string) (*auth.Host, error) {
	return scanHost(s.db.QueryRowContext(ctx, `select `+hostColumns+` from hosts where id = $1`, id))
}

func (s *hostStore) List(ctx context.Context) ([]*auth.Host, error) {
	return s.list(ctx, `select `+hostColumns+` from hosts order by name`)
}

func (s *hostStore) ListActive(ctx context.Context) ([]*auth.Host, error) {
	return s.list(ctx, `select `+hostColumns+` from hosts where active order by name`)
}

// Update builds the set clause from the non-nil fields only.
func (s *hostStore) Update(ctx context.Context, id string, upd auth.HostUpdate) (*auth.Host, error) {
	var (
		sets []string
		args = []any{id}
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.BaseURL != nil {
		add("base_url", *upd.BaseURL)
	}
	if upd.EncryptedToken != nil {
		add("encrypted_token", *upd.EncryptedToken)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.Active != nil {
		add("active", *upd.Active)
	}
	if len(sets) == 0 {
		return s.Find(ctx, id)
	}

	query := `update hosts set ` + strings.Join(sets, ", ") + ` where id = $1 returning ` + hostColumns
	h, err := scanHost(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, translateWriteError(err)
	}
	return h, nil
}

func (s *hostStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from hosts where id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *hostStore) list(ctx context.Context, query string) ([]*auth.Host, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
