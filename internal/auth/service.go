package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/iotzator/homematrix/internal/ids"
	"github.com/iotzator/homematrix/internal/obs"
	"github.com/iotzator/homematrix/internal/secrets"
)

// dummyHash keeps the password-verification cost identical whether or not
// the email exists. The comparison result is always discarded.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

const defaultTOTPIssuer = "HomeMatrix"

// Mailer delivers outbound account mail. Delivery is an external concern;
// the service only composes the reset link.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to, link string) error
}

// Options wires a Service. Every store is required; Mailer may be nil when
// password resets are disabled.
type Options struct {
	Users       UserStore
	Sessions    SessionStore
	Roles       RoleStore
	Permissions PermissionStore
	Hosts       HostStore
	Devices     TrustedDeviceStore
	ResetTokens ResetTokenStore
	Activity    ActivityStore
	Tokens      *TokenService
	Box         *secrets.Box
	Mailer      Mailer

	RefreshTTL   time.Duration
	DeviceTTL    time.Duration
	ResetTTL     time.Duration
	ResetURLBase string
	TOTPIssuer   string
}

// Service implements the authentication and account workflows on top of the
// injected stores. All methods are safe for concurrent use.
type Service struct {
	users       UserStore
	sessions    SessionStore
	roles       RoleStore
	permissions PermissionStore
	hosts       HostStore
	devices     TrustedDeviceStore
	resetTokens ResetTokenStore
	activity    ActivityStore
	tokens      *TokenService
	box         *secrets.Box
	mailer      Mailer

	refreshTTL   time.Duration
	deviceTTL    time.Duration
	resetTTL     time.Duration
	resetURLBase string
	totpIssuer   string

	now func() time.Time
}

// NewService builds a Service from Options, applying defaults for the TTLs.
func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Users == nil, opts.Sessions == nil, opts.Roles == nil,
		opts.Permissions == nil, opts.Hosts == nil, opts.Devices == nil,
		opts.ResetTokens == nil, opts.Activity == nil:
		return nil, errors.New("auth: all stores are required")
	case opts.Tokens == nil:
		return nil, errors.New("auth: token service is required")
	case opts.Box == nil:
		return nil, errors.New("auth: secrets box is required")
	}
	s := &Service{
		users:        opts.Users,
		sessions:     opts.Sessions,
		roles:        opts.Roles,
		permissions:  opts.Permissions,
		hosts:        opts.Hosts,
		devices:      opts.Devices,
		resetTokens:  opts.ResetTokens,
		activity:     opts.Activity,
		tokens:       opts.Tokens,
		box:          opts.Box,
		mailer:       opts.Mailer,
		refreshTTL:   opts.RefreshTTL,
		deviceTTL:    opts.DeviceTTL,
		resetTTL:     opts.ResetTTL,
		resetURLBase: opts.ResetURLBase,
		totpIssuer:   opts.TOTPIssuer,
		now:          time.Now,
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = 30 * 24 * time.Hour
	}
	if s.deviceTTL <= 0 {
		s.deviceTTL = 180 * 24 * time.Hour
	}
	if s.resetTTL <= 0 {
		s.resetTTL = time.Hour
	}
	if s.totpIssuer == "" {
		s.totpIssuer = defaultTOTPIssuer
	}
	return s, nil
}

// LoginResult is the outcome of Login, Refresh and VerifyTwoFactor. When
// Requires2FA is set only AccessToken is populated, and it is a temporary
// token accepted solely by the second-factor endpoints.
type LoginResult struct {
	User             *User
	AccessToken      string
	ExpiresAt        time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	Requires2FA      bool
	// SetupRequired signals that a role or admin policy demands a second
	// factor the user has not enrolled yet.
	SetupRequired bool
}

// Register creates a pending self-service account. The account cannot
// authenticate until an administrator approves it.
func (s *Service) Register(ctx context.Context, email, password, fullName, reason string) (*User, error) {
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
	u := &User{
		ID:            ids.New(),
		Email:         email,
		FullName:      strings.TrimSpace(fullName),
		PasswordHash:  hash,
		Status:        UserStatusPending,
		RequestReason: strings.TrimSpace(reason),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.recordActivity(ctx, u, "register", u.RequestReason, "")
	return u, nil
}

// Login verifies the credentials and either completes the session or opens a
// second-factor challenge. A valid trusted-device token skips the challenge.
func (s *Service) Login(ctx context.Context, email, password, deviceToken, ip string) (*LoginResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		VerifyPassword(dummyHash, password)
		obs.CountAuthFailure("unknown_email")
		return nil, ErrUnauthenticated
	}
	if !VerifyPassword(u.PasswordHash, password) {
		obs.CountAuthFailure("bad_password")
		s.recordActivity(ctx, u, "login_failed", "wrong password", ip)
		return nil, ErrUnauthenticated
	}
	if u.Status != UserStatusActive {
		obs.CountAuthFailure("inactive_account")
		s.recordActivity(ctx, u, "login_failed", "account "+string(u.Status), ip)
		return nil, ErrUnauthenticated
	}

	required, err := s.twoFactorRequired(ctx, u)
	if err != nil {
		return nil, err
	}
	if required && u.TOTPEnabled {
		if deviceToken != "" {
			if d, err := s.devices.FindForUser(ctx, u.ID, deviceToken); err == nil && d.ExpiresAt.After(s.now()) {
				if err := s.devices.Touch(ctx, d.ID, s.now().UTC()); err != nil {
					obs.Logger().Warn("touch trusted device", slog.String("error", err.Error()))
				}
				return s.completeLogin(ctx, u, "login", "trusted device", ip)
			}
		}
		token, expiresAt, err := s.tokens.IssueAccess(u.ID, u.IsAdmin, true)
		if err != nil {
			return nil, err
		}
		return &LoginResult{
			User:        u,
			AccessToken: token,
			ExpiresAt:   expiresAt,
			Requires2FA: true,
		}, nil
	}

	res, err := s.completeLogin(ctx, u, "login", "", ip)
	if err != nil {
		return nil, err
	}
	res.SetupRequired = required && !u.TOTPEnabled
	return res, nil
}

// Refresh rotates the refresh token and issues a fresh access token. The
// presented token is revoked whether or not rotation succeeds.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if refreshToken == "" {
		return nil, ErrUnauthenticated
	}
	sess, err := s.sessions.FindByToken(ctx, refreshToken)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if sess.Revoked || !sess.ExpiresAt.After(s.now()) {
		return nil, ErrUnauthenticated
	}
	if err := s.sessions.Revoke(ctx, sess.ID); err != nil {
		return nil, err
	}
	u, err := s.users.Find(ctx, sess.UserID)
	if err != nil || u.Status != UserStatusActive {
		return nil, ErrUnauthenticated
	}
	return s.completeLogin(ctx, u, "", "", "")
}

// Logout revokes the session for the presented refresh token. Unknown tokens
// are a no-op so logout is idempotent.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	sess, err := s.sessions.FindByToken(ctx, refreshToken)
	if err != nil {
		return nil
	}
	return s.sessions.Revoke(ctx, sess.ID)
}

// LogoutAll revokes every session the user holds.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	return s.sessions.RevokeAllForUser(ctx, userID)
}

// Authenticate resolves a bearer token to its account. Temporary challenge
// tokens are rejected unless the caller explicitly accepts them, and the
// stored account is authoritative over the token claims.
func (s *Service) Authenticate(ctx context.Context, bearer string, allowTemporary bool) (*User, *Claims, error) {
	claims, err := s.tokens.DecodeAccess(bearer)
	if err != nil {
		return nil, nil, err
	}
	if claims.Temporary && !allowTemporary {
		obs.CountAuthFailure("temporary_token")
		return nil, nil, ErrUnauthenticated
	}
	u, err := s.users.Find(ctx, claims.Subject)
	if err != nil {
		return nil, nil, ErrUnauthenticated
	}
	if u.Status != UserStatusActive {
		return nil, nil, ErrUnauthenticated
	}
	return u, claims, nil
}

// RequireAdmin gates the admin surface.
func (s *Service) RequireAdmin(u *User) error {
	if u == nil || !u.IsAdmin {
		return ErrForbidden
	}
	return nil
}

// ChangePassword verifies the current password and stores the new one,
// revoking every session in the same step.
func (s *Service) ChangePassword(ctx context.Context, u *User, current, next string) error {
	if u.ExternalAuth {
		return fmt.Errorf("%w: account uses external authentication", ErrForbidden)
	}
	if !VerifyPassword(u.PasswordHash, current) {
		return fmt.Errorf("%w: current password is wrong", ErrForbidden)
	}
	if err := ValidatePassword(next); err != nil {
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.users.SetPassword(ctx, u.ID, hash); err != nil {
		return err
	}
	s.recordActivity(ctx, u, "password_change", "", "")
	return nil
}

// ForgotPassword starts a reset flow. The response is identical whether or
// not the email belongs to an account, so it leaks no membership signal.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil
	}
	u, err := s.users.FindByEmail(ctx, email)
	if err != nil || u.Status != UserStatusActive || u.ExternalAuth {
		return nil
	}
	token, err := NewResetToken()
	if err != nil {
		return err
	}
	if err := s.resetTokens.Save(ctx, token, u.ID, s.resetTTL); err != nil {
		return err
	}
	if s.mailer == nil {
		obs.Logger().Warn("password reset requested but no mailer configured", slog.String("user_id", u.ID))
		return nil
	}
	link := s.resetURLBase + "?token=" + token
	if err := s.mailer.SendPasswordReset(ctx, u.Email, link); err != nil {
		obs.Logger().Error("send password reset mail", slog.String("error", err.Error()))
		return nil
	}
	s.recordActivity(ctx, u, "password_reset_requested", "", "")
	return nil
}

// ValidateResetToken reports whether a reset token is still usable without
// consuming it.
func (s *Service) ValidateResetToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: invalid or expired reset token", ErrValidation)
	}
	if _, err := s.resetTokens.Peek(ctx, token); err != nil {
		return fmt.Errorf("%w: invalid or expired reset token", ErrValidation)
	}
	return nil
}

// ResetPassword consumes a reset token and stores the new password. The
// token is single use; a second attempt fails even within the TTL.
func (s *Service) ResetPassword(ctx context.Context, token, next string) error {
	if err := ValidatePassword(next); err != nil {
		return err
	}
	userID, err := s.resetTokens.Consume(ctx, token)
	if err != nil {
		return fmt.Errorf("%w: invalid or expired reset token", ErrValidation)
	}
	u, err := s.users.Find(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: invalid or expired reset token", ErrValidation)
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.users.SetPassword(ctx, u.ID, hash); err != nil {
		return err
	}
	s.recordActivity(ctx, u, "password_reset", "", "")
	return nil
}

// HostEndpoint is a proxy target with the upstream credential decrypted.
type HostEndpoint struct {
	Host  *Host
	Token string
}

// ActiveHostEndpoint loads an active host and decrypts its upstream token.
// Inactive hosts are indistinguishable from missing ones.
func (s *Service) ActiveHostEndpoint(ctx context.Context, hostID string) (*HostEndpoint, error) {
	h, err := s.hosts.Find(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if !h.Active {
		return nil, ErrNotFound
	}
	token, err := s.box.DecryptString(h.EncryptedToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt host token: %w", err)
	}
	return &HostEndpoint{Host: h, Token: token}, nil
}

// RolesForUser exposes the role listing for profile and status endpoints.
func (s *Service) RolesForUser(ctx context.Context, userID string) ([]*Role, error) {
	return s.roles.RolesForUser(ctx, userID)
}

func (s *Service) completeLogin(ctx context.Context, u *User, action, detail, ip string) (*LoginResult, error) {
	access, expiresAt, err := s.tokens.IssueAccess(u.ID, u.IsAdmin, false)
	if err != nil {
		return nil, err
	}
	refresh, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess := &Session{
		ID:           ids.New(),
		UserID:       u.ID,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(s.refreshTTL),
		CreatedAt:    now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	if action != "" {
		s.recordActivity(ctx, u, action, detail, ip)
	}
	return &LoginResult{
		User:             u,
		AccessToken:      access,
		ExpiresAt:        expiresAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// twoFactorRequired evaluates the policy against the user's current roles at
// call time, so revoking a 2FA-mandating role takes effect at next login.
func (s *Service) twoFactorRequired(ctx context.Context, u *User) (bool, error) {
	if u.IsAdmin || u.Require2FA {
		return true, nil
	}
	roles, err := s.roles.RolesForUser(ctx, u.ID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r.Require2FA {
			return true, nil
		}
	}
	return false, nil
}

// recordActivity appends to the activity log on a best-effort basis; a
// logging failure never fails the user-facing operation.
func (s *Service) recordActivity(ctx context.Context, u *User, action, detail, ip string) {
	e := &ActivityEntry{
		ID:        ids.New(),
		Action:    action,
		Detail:    detail,
		IP:        ip,
		CreatedAt: s.now().UTC(),
	}
	if u != nil {
		e.UserID = u.ID
		e.UserEmail = u.Email
	}
	if err := s.activity.Append(ctx, e); err != nil {
		obs.Logger().Warn("append activity log", slog.String("action", action), slog.String("error", err.Error()))
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrValidation)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: malformed email address", ErrValidation)
	}
	return email, nil
}
