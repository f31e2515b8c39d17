package auth

import "time"

// UserStatus is the lifecycle state of an account. Self-registered users
// start pending and must be approved before they can authenticate.
type UserStatus string

const (
	UserStatusPending UserStatus = "pending"
	UserStatusActive  UserStatus = "active"
	UserStatusRevoked UserStatus = "revoked"
)

// User is a gateway account. PasswordHash and the TOTP fields never leave
// the auth and storage packages; HTTP responses are built from explicit DTOs.
type User struct {
	ID            string
	Email         string
	FullName      string
	PasswordHash  string
	Status        UserStatus
	IsAdmin       bool
	Require2FA    bool
	ExternalAuth  bool
	TOTPSecret    string
	TOTPEnabled   bool
	TOTPLastStep  int64
	RequestReason string
	CreatedAt     time.Time
	ApprovedAt    *time.Time
}

// Role is a named bundle of host-scoped grants. Require2FA forces the second
// factor for every member at login time.
type Role struct {
	ID          string
	Name        string
	Description string
	Require2FA  bool
	CreatedAt   time.Time
}

// RolePermission grants a role access to one host. Empty AllowedDomains and
// AllowedEntities mean unrestricted access to that host; multiple rows for
// the same (role, host) union their lists.
type RolePermission struct {
	ID              string
	RoleID          string
	HostID          string
	AllowedDomains  []string
	AllowedEntities []string
	CreatedAt       time.Time
}

// UserRole links a user to a role, unique per (user, role) pair.
type UserRole struct {
	ID        string
	UserID    string
	RoleID    string
	CreatedAt time.Time
}

// Host is an automation backend. EncryptedToken holds the upstream API
// credential, AES-GCM encrypted at rest; it is decrypted only at proxy time.
type Host struct {
	ID             string
	Name           string
	BaseURL        string
	EncryptedToken string
	Description    string
	Active         bool
	CreatedAt      time.Time
}

// Session is one outstanding refresh token. Revocation is a soft state so
// the audit trail survives.
type Session struct {
	ID           string
	UserID       string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	Revoked      bool
}

// TrustedDevice lets a client skip the second factor until ExpiresAt.
type TrustedDevice struct {
	ID        string
	UserID    string
	Token     string
	Name      string
	ExpiresAt time.Time
	CreatedAt time.Time
	LastSeen  time.Time
}

// ActivityEntry is one row of the admin-visible activity log.
type ActivityEntry struct {
	ID        string
	UserID    string
	UserEmail string
	Action    string
	Detail    string
	IP        string
	CreatedAt time.Time
}
