package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/iotzator/homematrix/internal/ids"
)

// Admin mutations. Authorization happens at the HTTP layer via RequireAdmin;
// these methods assume the actor was already vetted and only enforce the
// self-targeting guards that must hold regardless of caller.

// CreateUser provisions an account directly in the active state.
func (s *Service) CreateUser(ctx context.Context, actor *User, email, password, fullName string, isAdmin bool) (*User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	u := &User{
		ID:           ids.New(),
		Email:        email,
		FullName:     strings.TrimSpace(fullName),
		PasswordHash: hash,
		Status:       UserStatusActive,
		IsAdmin:      isAdmin,
		CreatedAt:    now,
		ApprovedAt:   &now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.recordActivity(ctx, actor, "user_created", u.Email, "")
	return u, nil
}

// ApproveUser activates a pending registration.
func (s *Service) ApproveUser(ctx context.Context, actor *User, userID string) (*User, error) {
	u, err := s.users.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Status != UserStatusPending {
		return nil, fmt.Errorf("%w: account is not pending approval", ErrValidation)
	}
	now := s.now().UTC()
	if err := s.users.SetStatus(ctx, u.ID, UserStatusActive, &now); err != nil {
		return nil, err
	}
	u.Status = UserStatusActive
	u.ApprovedAt = &now
	s.recordActivity(ctx, actor, "user_approved", u.Email, "")
	return u, nil
}

// RevokeUser locks the account out and kills its sessions. An admin cannot
// revoke themselves.
func (s *Service) RevokeUser(ctx context.Context, actor *User, userID string) error {
	if actor != nil && actor.ID == userID {
		return fmt.Errorf("%w: cannot revoke your own account", ErrValidation)
	}
	u, err := s.users.Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.users.SetStatus(ctx, u.ID, UserStatusRevoked, u.ApprovedAt); err != nil {
		return err
	}
	if err := s.sessions.RevokeAllForUser(ctx, u.ID); err != nil {
		return err
	}
	s.recordActivity(ctx, actor, "user_revoked", u.Email, "")
	return nil
}

// RestoreUser reactivates a revoked account.
func (s *Service) RestoreUser(ctx context.Context, actor *User, userID string) error {
	u, err := s.users.Find(ctx, userID)
	if err != nil {
		return err
	}
	if u.Status != UserStatusRevoked {
		return fmt.Errorf("%w: account is not revoked", ErrValidation)
	}
	if err := s.users.SetStatus(ctx, u.ID, UserStatusActive, u.ApprovedAt); err != nil {
		return err
	}
	s.recordActivity(ctx, actor, "user_restored", u.Email, "")
	return nil
}

// DeleteUser removes the account and everything hanging off it. An admin
// cannot delete themselves.
func (s *Service) DeleteUser(ctx context.Context, actor *User, userID string) error {
	if actor != nil && actor.ID == userID {
		return fmt.Errorf("%w: cannot delete your own account", ErrValidation)
	}
	u, err := s.users.Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.users.Delete(ctx, u.ID); err != nil {
		return err
	}
	s.recordActivity(ctx, actor, "user_deleted", u.Email, "")
	return nil
}

// SetUserAdmin grants or removes the admin flag. Self-demotion is blocked so
// a deployment cannot lose its last administrator by accident.
func (s *Service) SetUserAdmin(ctx context.Context, actor *User, userID string, isAdmin bool) error {
	if actor != nil && actor.ID == userID && !isAdmin {
		return fmt.Errorf("%w: cannot remove your own admin access", ErrValidation)
	}
	u, err := s.users.Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.users.SetAdmin(ctx, u.ID, isAdmin); err != nil {
		return err
	}
	action := "admin_granted"
	if !isAdmin {
		action = "admin_removed"
	}
	s.recordActivity(ctx, actor, action, u.Email, "")
	return nil
}

// SetUserRequire2FA toggles the per-user second-factor mandate.
func (s *Service) SetUserRequire2FA(ctx context.Context, actor *User, userID string, required bool) error {
	u, err := s.users.Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.users.SetRequire2FA(ctx, u.ID, required); err != nil {
		return err
	}
	s.recordActivity(ctx, actor, "user_2fa_policy", fmt.Sprintf("%s required=%t", u.Email, required), "")
	return nil
}

// AdminResetPassword force-sets a user's password and revokes their sessions.
func (s *Service) AdminResetPassword(ctx context.Context, actor *User, userID, password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	u, err := s.users.Find(ctx, userID)
	if err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.users.SetPassword(ctx, u.ID, hash); err != nil {
		return err
	}
	s.recordActivity(ctx, actor, "password_reset_by_admin", u.Email, "")
	return nil
}

// GetUser, ListUsers and ListPendingUsers are read pass-throughs for the
// admin surface.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	return s.users.Find(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context) ([]*User, error) {
	return s.users.List(ctx)
}

func (s *Service) ListPendingUsers(ctx context.Context) ([]*User, error) {
	return s.users.ListPending(ctx)
}

// CreateRole adds a named role.
func (s *Service) CreateRole(ctx context.Context, actor *User, name, description string, require2FA bool) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrValidation)
	}
	r := &Role{
		ID:          ids.New(),
		Name:        name,
		Description: description,
		Require2FA:  require2FA,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.roles.Create(ctx, r); err != nil {
		return nil, err
	}
	s.recordActivity(ctx, actor, "role_created", name, "")
	return r, nil
}

// UpdateRole applies the non-nil fields.
func (s *Service) UpdateRole(ctx context.Context, actor *User, roleID string, name *string, require2FA *bool) (*Role, error) {
	r, err := s.roles.Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrValidation)
		}
		if err := s.roles.Rename(ctx, r.ID, trimmed); err != nil {
			return nil, err
		}
		r.Name = trimmed
	}
	if require2FA != nil {
		if err := s.roles.SetRequire2FA(ctx, r.ID, *require2FA); err != nil {
			return nil, err
		}
		r.Require2FA = *require2FA
	}
	s.recordActivity(ctx, actor, "role_updated", r.Name, "")
	return r, nil
}

// DeleteRole removes the role; assignments and permissions cascade away.
func (s *Service) DeleteRole(ctx context.Context, actor *User, roleID string) error {
	r, err := s.roles.Find(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.roles.Delete(ctx, r.ID); err != nil {
		return err
	}
	s.recordActivity(ctx, actor, "role_deleted", r.Name, "")
	return nil
}

func (s *Service) GetRole(ctx context.Context, id string) (*Role, error) {
	return s.roles.Find(ctx, id)
}

func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.roles.List(ctx)
}

// AssignRole links a user to a role. Assigning twice is a conflict.
func (s *Service) AssignRole(ctx context.Context, actor *User, userID, roleID string) (*UserRole, error) {
	u, err := s.users.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	r, err := s.roles.Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	ur, err := s.roles.Assign(ctx, u.ID, r.ID)
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, actor, "role_assigned", fmt.Sprintf("%s -> %s", r.Name, u.Email), "")
	return ur, nil
}

// UnassignRole removes a user-role link.
func (s *Service) UnassignRole(ctx context.Context, actor *User, userID, roleID string) error {
	if err := s.roles.Unassign(ctx, userID, roleID); err != nil {
		return err
	}
	s.recordActivity(ctx, actor, "role_unassigned", fmt.Sprintf("%s -/- %s", roleID, userID), "")
	return nil
}

// AddPermission grants a role access to a host. Empty lists mean the grant
// is unrestricted for that host.
func (s *Service) AddPermission(ctx context.Context, actor *User, roleID, hostID string, domains, entities []string) (*RolePermission, error) {
	r, err := s.roles.Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	h, err := s.hosts.Find(ctx, hostID)
	if err != nil {
		return nil, err
	}
	p := &RolePermission{
		ID:              ids.New(),
		RoleID:          r.ID,
		HostID:          h.ID,
		AllowedDomains:  normalizeList(domains),
		AllowedEntities: normalizeList(entities),
		CreatedAt:       s.now().UTC(),
	}
	if err := s.permissions.Create(ctx, p); err != nil {
		return nil, err
	}
	s.recordActivity(ctx, actor, "permission_added", fmt.Sprintf("%s on %s", r.Name, h.Name), "")
	return p, nil
}

// RemovePermission deletes a single grant row.
func (s *Service) RemovePermission(ctx context.Context, actor *User, permissionID string) error {
	if err := s.permissions.Delete(ctx, permissionID); err != nil {
		return err
	}
	s.recordActivity(ctx, actor, "permission_removed", permissionID, "")
	return nil
}

func (s *Service) ListRolePermissions(ctx context.Context, roleID string) ([]*RolePermission, error) {
	return s.permissions.ListForRole(ctx, roleID)
}

// CreateHost registers an automation backend. The upstream token is
// encrypted before it touches storage and never appears in responses.
func (s *Service) CreateHost(ctx context.Context, actor *User, name, baseURL, token, description string) (*Host, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: host name is required", ErrValidation)
	}
	baseURL, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("%w: host token is required", ErrValidation)
	}
	encrypted, err := s.box.EncryptString(token)
	if err != nil {
		return nil, err
	}
	h := &Host{
		ID:             ids.New(),
		Name:           name,
		BaseURL:        baseURL,
		EncryptedToken: encrypted,
		Description:    description,
		Active:         true,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.hosts.Create(ctx, h); err != nil {
		return nil, err
	}
	s.recordActivity(ctx, actor, "host_created", name, "")
	return h, nil
}

// HostInput is the mutable host surface accepted from the admin API. A nil
// Token keeps the stored credential.
type HostInput struct {
	Name        *string
	BaseURL     *string
	Token       *string
	Description *string
	Active      *bool
}

// UpdateHost applies the non-nil fields, re-encrypting the token when one is
// supplied.
func (s *Service) UpdateHost(ctx context.Context, actor *User, hostID string, in HostInput) (*Host, error) {
	upd := HostUpdate{Description: in.Description, Active: in.Active}
	if in.Name != nil {
		trimmed := strings.TrimSpace(*in.Name)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: host name is required", ErrValidation)
		}
		upd.Name = &trimmed
	}
	if in.BaseURL != nil {
		normalized, err := normalizeBaseURL(*in.BaseURL)
		if err != nil {
			return nil, err
		}
		upd.BaseURL = &normalized
	}
	if in.Token != nil {
		if *in.Token == "" {
			return nil, fmt.Errorf("%w: host token cannot be empty", ErrValidation)
		}
		encrypted, err := s.box.EncryptString(*in.Token)
		if err != nil {
			return nil, err
		}
		upd.EncryptedToken = &encrypted
	}
	h, err := s.hosts.Update(ctx, hostID, upd)
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, actor, "host_updated", h.Name, "")
	return h, nil
}

// DeleteHost removes the backend; permission rows referencing it cascade.
func (s *Service) DeleteHost(ctx context.Context, actor *User, hostID string) error {
	h, err := s.hosts.Find(ctx, hostID)
	if err != nil {
		return err
	}
	if err := s.hosts.Delete(ctx, h.ID); err != nil {
		return err
	}
	s.recordActivity(ctx, actor, "host_deleted", h.Name, "")
	return nil
}

func (s *Service) GetHost(ctx context.Context, id string) (*Host, error) {
	return s.hosts.Find(ctx, id)
}

func (s *Service) ListHosts(ctx context.Context) ([]*Host, error) {
	return s.hosts.List(ctx)
}

// AccessibleHosts returns the active hosts the user may reach: all of them
// for admins, otherwise the ones any of their roles grants.
func (s *Service) AccessibleHosts(ctx context.Context, u *User) ([]*Host, error) {
	active, err := s.hosts.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if u.IsAdmin {
		return active, nil
	}
	allowed, err := s.permissions.HostIDsForUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	out := active[:0]
	for _, h := range active {
		if _, ok := set[h.ID]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

// ListActivity and PurgeActivity expose the activity log to the admin API.
func (s *Service) ListActivity(ctx context.Context, q ActivityQuery) ([]*ActivityEntry, error) {
	return s.activity.List(ctx, q)
}

func (s *Service) PurgeActivity(ctx context.Context, actor *User, before time.Time) (int64, error) {
	n, err := s.activity.Purge(ctx, before)
	if err != nil {
		return 0, err
	}
	s.recordActivity(ctx, actor, "activity_purged", fmt.Sprintf("before %s, %d entries", before.Format(time.RFC3339), n), "")
	return n, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: base url must be absolute http or https", ErrValidation)
	}
	return raw, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
