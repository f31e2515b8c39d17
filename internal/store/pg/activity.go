package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iotzator/homematrix/internal/auth"
)

type activityStore struct {
	db *sql.DB
}

// Append keeps the denormalized email so entries survive account deletion;
// user_id deliberately has no foreign key.
func (s *activityStore) Append(ctx context.Context, e *auth.ActivityEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into activity_log (id, user_id, user_email, action, detail, ip, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.UserID, e.UserEmail, e.Action, e.Detail, e.IP, e.CreatedAt)
	return err
}

func (s *activityStore) List(ctx context.Context, q auth.ActivityQuery) ([]*auth.ActivityEntry, error) {
	query := `select id, user_id, user_email, action, detail, ip, created_at from activity_log`
	var (
		conds []string
		args  []any
	)
	if q.Action != "" {
		args = append(args, q.Action)
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	if q.UserEmail != "" {
		args = append(args, q.UserEmail)
		conds = append(conds, fmt.Sprintf("lower(user_email) = lower($%d)", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " where " + c
		} else {
			query += " and " + c
		}
	}
	query += " order by created_at desc, id desc"
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" limit $%d", len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" offset $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.ActivityEntry
	for rows.Next() {
		var e auth.ActivityEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.UserEmail, &e.Action, &e.Detail, &e.IP, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *activityStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from activity_log where created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
