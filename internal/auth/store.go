package auth

import (
	"context"
	"time"
)

// Repository interfaces consumed by the Service. Every component receives its
// stores through constructor injection; nothing performs runtime lookups.

// UserStore manages accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	ListPending(ctx context.Context) ([]*User, error)
	SetStatus(ctx context.Context, id string, status UserStatus, approvedAt *time.Time) error
	SetAdmin(ctx context.Context, id string, isAdmin bool) error
	SetRequire2FA(ctx context.Context, id string, required bool) error
	SetTOTP(ctx context.Context, id, secret string, enabled bool) error
	SetTOTPLastStep(ctx context.Context, id string, step int64) error
	// SetPassword atomically stores the new hash and revokes every session
	// belonging to the user. Partial application is a security defect.
	SetPassword(ctx context.Context, id, passwordHash string) error
	// Delete removes the user and cascades to sessions, trusted devices and
	// role assignments.
	Delete(ctx context.Context, id string) error
}

// SessionStore manages refresh-token sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	FindByToken(ctx context.Context, refreshToken string) (*Session, error)
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}

// RoleStore manages roles and user-role assignments.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	Rename(ctx context.Context, id, name string) error
	SetRequire2FA(ctx context.Context, id string, required bool) error
	// Delete removes the role and cascades to user_roles and role_permissions.
	Delete(ctx context.Context, id string) error

	Assign(ctx context.Context, userID, roleID string) (*UserRole, error)
	Unassign(ctx context.Context, userID, roleID string) error
	RolesForUser(ctx context.Context, userID string) ([]*Role, error)
	AssignmentsForUser(ctx context.Context, userID string) ([]*UserRole, error)
}

// PermissionStore manages host-scoped role grants.
type PermissionStore interface {
	Create(ctx context.Context, p *RolePermission) error
	Delete(ctx context.Context, id string) error
	ListForRole(ctx context.Context, roleID string) ([]*RolePermission, error)
	// ForUserAndHost returns every permission row attached to any role the
	// user holds, scoped to one host. The permission resolver unions them.
	ForUserAndHost(ctx context.Context, userID, hostID string) ([]*RolePermission, error)
	// HostIDsForUser returns the distinct hosts any of the user's roles
	// grants access to.
	HostIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// HostUpdate is a partial host mutation; nil fields are left untouched.
type HostUpdate struct {
	Name           *string
	BaseURL        *string
	EncryptedToken *string
	Description    *string
	Active         *bool
}

// HostStore manages automation backends.
type HostStore interface {
	Create(ctx context.Context, h *Host) error
	Find(ctx context.Context, id string) (*Host, error)
	List(ctx context.Context) ([]*Host, error)
	ListActive(ctx context.Context) ([]*Host, error)
	Update(ctx context.Context, id string, upd HostUpdate) (*Host, error)
	Delete(ctx context.Context, id string) error
}

// TrustedDeviceStore manages second-factor bypass tokens.
type TrustedDeviceStore interface {
	Create(ctx context.Context, d *TrustedDevice) error
	FindForUser(ctx context.Context, userID, token string) (*TrustedDevice, error)
	Touch(ctx context.Context, id string, seenAt time.Time) error
}

// ResetTokenStore keeps single-use password-reset tokens with native expiry,
// shared across service instances.
type ResetTokenStore interface {
	Save(ctx context.Context, token, userID string, ttl time.Duration) error
	// Peek reports the owning user without consuming the token.
	Peek(ctx context.Context, token string) (string, error)
	// Consume returns the owning user and invalidates the token in one step.
	Consume(ctx context.Context, token string) (string, error)
}

// ActivityQuery filters the activity log listing.
type ActivityQuery struct {
	Action    string
	UserEmail string
	Limit     int
	Offset    int
}

// ActivityStore is the append-mostly activity log.
type ActivityStore interface {
	Append(ctx context.Context, e *ActivityEntry) error
	List(ctx context.Context, q ActivityQuery) ([]*ActivityEntry, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}
