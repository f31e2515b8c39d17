// Package pg is the Postgres persistence layer. It exposes one small store
// per repository interface, all sharing a single pooled connection.
package pg

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iotzator/homematrix/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store owns the connection pool.
type Store struct {
	db *sql.DB
}

// Open connects with pool limits sized for a single gateway instance.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection, mainly for tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users() auth.UserStore             { return &userStore{db: s.db} }
func (s *Store) Sessions() auth.SessionStore       { return &sessionStore{db: s.db} }
func (s *Store) Roles() auth.RoleStore             { return &roleStore{db: s.db} }
func (s *Store) Permissions() auth.PermissionStore { return &permissionStore{db: s.db} }
func (s *Store) Hosts() auth.HostStore             { return &hostStore{db: s.db} }
func (s *Store) Devices() auth.TrustedDeviceStore  { return &deviceStore{db: s.db} }
func (s *Store) ActivityLog() auth.ActivityStore   { return &activityStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func translateWriteError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

// textArray maps []string to a Postgres text[] column through database/sql.
type textArray []string

func (a textArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, s := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String(), nil
}

func (a *textArray) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("pg: cannot scan %T into textArray", src)
	}
	if len(raw) < 2 || raw[0] != '{' || raw[len(raw)-1] != '}' {
		return fmt.Errorf("pg: malformed array literal %q", raw)
	}
	body := raw[1 : len(raw)-1]
	if body == "" {
		*a = nil
		return nil
	}

	var (
		out     []string
		current strings.Builder
		quoted  bool
		escaped bool
	)
	flush := func() {
		out = append(out, current.String())
		current.Reset()
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case escaped:
			current.WriteByte(c)
			escaped = false
		case c == '\\' && quoted:
			escaped = true
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	*a = out
	return nil
}
