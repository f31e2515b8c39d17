// Package memory holds an in-memory implementation of every repository
// interface. It backs unit tests and local experiments; the real deployment
// uses the pg and redis stores.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iotzator/homematrix/internal/auth"
)

// Store owns the shared state. One mutex guards everything, which keeps the
// cross-store invariants (cascading deletes, atomic password resets) trivial.
type Store struct {
	mu sync.Mutex

	users       map[string]*auth.User
	sessions    map[string]*auth.Session
	roles       map[string]*auth.Role
	userRoles   map[string]*auth.UserRole
	permissions map[string]*auth.RolePermission
	hosts       map[string]*auth.Host
	devices     map[string]*auth.TrustedDevice
	resets      map[string]resetEntry
	activity    []*auth.ActivityEntry

	now func() time.Time
}

type resetEntry struct {
	userID    string
	expiresAt time.Time
}

func New() *Store {
	return &Store{
		users:       map[string]*auth.User{},
		sessions:    map[string]*auth.Session{},
		roles:       map[string]*auth.Role{},
		userRoles:   map[string]*auth.UserRole{},
		permissions: map[string]*auth.RolePermission{},
		hosts:       map[string]*auth.Host{},
		devices:     map[string]*auth.TrustedDevice{},
		resets:      map[string]resetEntry{},
		now:         time.Now,
	}
}

// SetNow overrides the clock for expiry checks in tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

func (s *Store) Users() auth.UserStore             { return users{s} }
func (s *Store) Sessions() auth.SessionStore       { return sessions{s} }
func (s *Store) Roles() auth.RoleStore             { return roles{s} }
func (s *Store) Permissions() auth.PermissionStore { return permissions{s} }
func (s *Store) Hosts() auth.HostStore             { return hosts{s} }
func (s *Store) Devices() auth.TrustedDeviceStore  { return devices{s} }
func (s *Store) ResetTokens() auth.ResetTokenStore { return resets{s} }
func (s *Store) ActivityLog() auth.ActivityStore   { return activity{s} }

type users struct{ s *Store }

func (w users) Create(ctx context.Context, u *auth.User) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for _, existing := range w.s.users {
		if existing.Email == u.Email {
			return auth.ErrConflict
		}
	}
	cp := *u
	w.s.users[u.ID] = &cp
	return nil
}

func (w users) Find(ctx context.Context, id string) (*auth.User, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	u, ok := w.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (w users) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for _, u := range w.s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (w users) List(ctx context.Context) ([]*auth.User, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	out := make([]*auth.User, 0, len(w.s.users))
	for _, u := range w.s.users {
		cp := *u
		out = append(out, &cp)
	}
	sortByCreated(out, func(u *auth.User) (time.Time, string) { return u.CreatedAt, u.ID })
	return out, nil
}

func (w users) ListPending(ctx context.Context) ([]*auth.User, error) {
	all, _ := w.List(ctx)
	out := all[:0]
	for _, u := range all {
		if u.Status == auth.UserStatusPending {
			out = append(out, u)
		}
	}
	return out, nil
}

func (w users) SetStatus(ctx context.Context, id string, status auth.UserStatus, approvedAt *time.Time) error {
	return w.mutate(id, func(u *auth.User) {
		u.Status = status
		u.ApprovedAt = approvedAt
	})
}

func (w users) SetAdmin(ctx context.Context, id string, isAdmin bool) error {
	return w.mutate(id, func(u *auth.User) { u.IsAdmin = isAdmin })
}

func (w users) SetRequire2FA(ctx context.Context, id string, required bool) error {
	return w.mutate(id, func(u *auth.User) { u.Require2FA = required })
}

func (w users) SetTOTP(ctx context.Context, id, secret string, enabled bool) error {
	return w.mutate(id, func(u *auth.User) {
		u.TOTPSecret = secret
		u.TOTPEnabled = enabled
		if secret == "" {
			u.TOTPLastStep = 0
		}
	})
}

func (w users) SetTOTPLastStep(ctx context.Context, id string, step int64) error {
	return w.mutate(id, func(u *auth.User) { u.TOTPLastStep = step })
}

func (w users) SetPassword(ctx context.Context, id, passwordHash string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	u, ok := w.s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	for _, sess := range w.s.sessions {
		if sess.UserID == id {
			sess.Revoked = true
		}
	}
	return nil
}

func (w users) Delete(ctx context.Context, id string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if _, ok := w.s.users[id]; !ok {
		return auth.ErrNotFound
	}
	delete(w.s.users, id)
	for sid, sess := range w.s.sessions {
		if sess.UserID == id {
			delete(w.s.sessions, sid)
		}
	}
	for did, d := range w.s.devices {
		if d.UserID == id {
			delete(w.s.devices, did)
		}
	}
	for urid, ur := range w.s.userRoles {
		if ur.UserID == id {
			delete(w.s.userRoles, urid)
		}
	}
	return nil
}

func (w users) mutate(id string, fn func(*auth.User)) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	u, ok := w.s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(u)
	return nil
}

type sessions struct{ s *Store }

func (w sessions) Create(ctx context.Context, sess *auth.Session) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	cp := *sess
	w.s.sessions[sess.ID] = &cp
	return nil
}

func (w sessions) FindByToken(ctx context.Context, refreshToken string) (*auth.Session, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for _, sess := range w.s.sessions {
		if sess.RefreshToken == refreshToken {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (w sessions) Revoke(ctx context.Context, id string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	sess, ok := w.s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	sess.Revoked = true
	return nil
}

func (w sessions) RevokeAllForUser(ctx context.Context, userID string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for _, sess := range w.s.sessions {
		if sess.UserID == userID {
			sess.Revoked = true
		}
	}
	return nil
}

type roles struct{ s *Store }

func (w roles) Create(ctx context.Context, r *auth.Role) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for _, existing := range w.s.roles {
		if existing.Name == r.Name {
			return auth.ErrConflict
		}
	}
	cp := *r
	w.s.roles[r.ID] = &cp
	return nil
}

func (w roles) Find(ctx context.Context, id string) (*auth.Role, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	r, ok := w.s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (w roles) List(ctx context.Context) ([]*auth.Role, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	out := make([]*auth.Role, 0, len(w.s.roles))
	for _, r := range w.s.roles {
		cp := *r
		out = append(out, &cp)
	}
	sortByCreated(out, func(r *auth.Role) (time.Time, string) { return r.CreatedAt, r.ID })
	return out, nil
}

func (w roles) Rename(ctx context.Context, id, name string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	r, ok := w.s.roles[id]
	if !ok {
		return auth.ErrNotFound
	}
	for _, other := range w.s.roles {
		if other.ID != id && other.Name == name {
			return auth.ErrConflict
		}
	}
	r.Name = name
	return nil
}

func (w roles) SetRequire2FA(ctx context.Context, id string, required bool) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	r, ok := w.s.roles[id]
	if !ok {
		return auth.ErrNotFound
	}
	r.Require2FA = required
	return nil
}

func (w roles) Delete(ctx context.Context, id string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if _, ok := w.s.roles[id]; !ok {
		return auth.ErrNotFound
	}
	delete(w.s.roles, id)
	for urid, ur := range w.s.userRoles {
		if ur.RoleID == id {
			delete(w.s.userRoles, urid)
		}
	}
	for pid, p := range w.s.permissions {
		if p.RoleID == id {
			delete(w.s.permissions, pid)
		}
	}
	return nil
}

func (w roles) Assign(ctx context.Context, userID, roleID string) (*auth.UserRole, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for _, ur := range w.s.userRoles {
		if ur.UserID == userID && ur.RoleID == roleID {
			return nil, auth.ErrConflict
		}
	}
	ur := &auth.UserRole{
		ID:        "ur-" + userID + "-" + roleID,
		UserID:    userID,
		RoleID:    roleID,
		CreatedAt: w.s.now().UTC(),
	}
	w.s.userRoles[ur.ID] = ur
	cp := *ur
	return &cp, nil
}

func (w roles) Unassign(ctx context.Context, userID, roleID string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for id, ur := range w.s.userRoles {
		if ur.UserID == userID && ur.RoleID == roleID {
			delete(w.s.userRoles, id)
			return nil
		}
	}
	return auth.ErrNotFound
}

func (w roles) RolesForUser(ctx context.Context, userID string) ([]*auth.Role, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	var out []*auth.Role
	for _, ur := range w.s.userRoles {
		if ur.UserID != userID {
			continue
		}
		if r, ok := w.s.roles[ur.RoleID]; ok {
			cp := *r
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(r *auth.Role) (time.Time, string) { return r.CreatedAt, r.ID })
	return out, nil
}

func (w roles) AssignmentsForUser(ctx context.Context, userID string) ([]*auth.UserRole, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	var out []*auth.UserRole
	for _, ur := range w.s.userRoles {
		if ur.UserID == userID {
			cp := *ur
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(ur *auth.UserRole) (time.Time, string) { return ur.CreatedAt, ur.ID })
	return out, nil
}

type permissions struct{ s *Store }

func (w permissions) Create(ctx context.Context, p *auth.RolePermission) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	cp := *p
	w.s.permissions[p.ID] = &cp
	return nil
}

func (w permissions) Delete(ctx context.Context, id string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if _, ok := w.s.permissions[id]; !ok {
		return auth.ErrNotFound
	}
	delete(w.s.permissions, id)
	return nil
}

func (w permissions) ListForRole(ctx context.Context, roleID string) ([]*auth.RolePermission, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	var out []*auth.RolePermission
	for _, p := range w.s.permissions {
		if p.RoleID == roleID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(p *auth.RolePermission) (time.Time, string) { return p.CreatedAt, p.ID })
	return out, nil
}

func (w permissions) ForUserAndHost(ctx context.Context, userID, hostID string) ([]*auth.RolePermission, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	held := map[string]struct{}{}
	for _, ur := range w.s.userRoles {
		if ur.UserID == userID {
			held[ur.RoleID] = struct{}{}
		}
	}
	var out []*auth.RolePermission
	for _, p := range w.s.permissions {
		if p.HostID != hostID {
			continue
		}
		if _, ok := held[p.RoleID]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	sortByCreated(out, func(p *auth.RolePermission) (time.Time, string) { return p.CreatedAt, p.ID })
	return out, nil
}

func (w permissions) HostIDsForUser(ctx context.Context, userID string) ([]string, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	held := map[string]struct{}{}
	for _, ur := range w.s.userRoles {
		if ur.UserID == userID {
			held[ur.RoleID] = struct{}{}
		}
	}
	set := map[string]struct{}{}
	for _, p := range w.s.permissions {
		if _, ok := held[p.RoleID]; ok {
			set[p.HostID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

type hosts struct{ s *Store }

func (w hosts) Create(ctx context.Context, h *auth.Host) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for _, existing := range w.s.hosts {
		if existing.Name == h.Name {
			return auth.ErrConflict
		}
	}
	cp := *h
	w.s.hosts[h.ID] = &cp
	return nil
}

func (w hosts) Find(ctx context.Context, id string) (*auth.Host, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	h, ok := w.s.hosts[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (w hosts) List(ctx context.Context) ([]*auth.Host, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	out := make([]*auth.Host, 0, len(w.s.hosts))
	for _, h := range w.s.hosts {
		cp := *h
		out = append(out, &cp)
	}
	sortByCreated(out, func(h *auth.Host) (time.Time, string) { return h.CreatedAt, h.ID })
	return out, nil
}

func (w hosts) ListActive(ctx context.Context) ([]*auth.Host, error) {
	all, _ := w.List(ctx)
	out := all[:0]
	for _, h := range all {
		if h.Active {
			out = append(out, h)
		}
	}
	return out, nil
}

func (w hosts) Update(ctx context.Context, id string, upd auth.HostUpdate) (*auth.Host, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	h, ok := w.s.hosts[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Name != nil {
		h.Name = *upd.Name
	}
	if upd.BaseURL != nil {
		h.BaseURL = *upd.BaseURL
	}
	if upd.EncryptedToken != nil {
		h.EncryptedToken = *upd.EncryptedToken
	}
	if upd.Description != nil {
		h.Description = *upd.Description
	}
	if upd.Active != nil {
		h.Active = *upd.Active
	}
	cp := *h
	return &cp, nil
}

func (w hosts) Delete(ctx context.Context, id string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if _, ok := w.s.hosts[id]; !ok {
		return auth.ErrNotFound
	}
	delete(w.s.hosts, id)
	for pid, p := range w.s.permissions {
		if p.HostID == id {
			delete(w.s.permissions, pid)
		}
	}
	return nil
}

type devices struct{ s *Store }

func (w devices) Create(ctx context.Context, d *auth.TrustedDevice) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	cp := *d
	w.s.devices[d.ID] = &cp
	return nil
}

func (w devices) FindForUser(ctx context.Context, userID, token string) (*auth.TrustedDevice, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for _, d := range w.s.devices {
		if d.UserID == userID && d.Token == token {
			cp := *d
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (w devices) Touch(ctx context.Context, id string, seenAt time.Time) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	d, ok := w.s.devices[id]
	if !ok {
		return auth.ErrNotFound
	}
	d.LastSeen = seenAt
	return nil
}

type resets struct{ s *Store }

func (w resets) Save(ctx context.Context, token, userID string, ttl time.Duration) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	w.s.resets[token] = resetEntry{userID: userID, expiresAt: w.s.now().Add(ttl)}
	return nil
}

func (w resets) Peek(ctx context.Context, token string) (string, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	e, ok := w.s.resets[token]
	if !ok || !e.expiresAt.After(w.s.now()) {
		return "", auth.ErrNotFound
	}
	return e.userID, nil
}

func (w resets) Consume(ctx context.Context, token string) (string, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	e, ok := w.s.resets[token]
	if !ok || !e.expiresAt.After(w.s.now()) {
		return "", auth.ErrNotFound
	}
	delete(w.s.resets, token)
	return e.userID, nil
}

type activity struct{ s *Store }

func (w activity) Append(ctx context.Context, e *auth.ActivityEntry) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	cp := *e
	w.s.activity = append(w.s.activity, &cp)
	return nil
}

func (w activity) List(ctx context.Context, q auth.ActivityQuery) ([]*auth.ActivityEntry, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	var out []*auth.ActivityEntry
	for i := len(w.s.activity) - 1; i >= 0; i-- {
		e := w.s.activity[i]
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.UserEmail != "" && !strings.EqualFold(e.UserEmail, q.UserEmail) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (w activity) Purge(ctx context.Context, before time.Time) (int64, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	kept := w.s.activity[:0]
	var n int64
	for _, e := range w.s.activity {
		if e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	w.s.activity = kept
	return n, nil
}

func sortByCreated[T any](items []*T, key func(*T) (time.Time, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if ti.Equal(tj) {
			return idi < idj
		}
		return ti.Before(tj)
	})
}
