package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/iotzator/homematrix/internal/ids"
	"github.com/iotzator/homematrix/internal/obs"
)

// TwoFactorSetup is the enrollment material handed to the client exactly
// once. The secret is never returned again after confirmation.
type TwoFactorSetup struct {
	Secret          string
	ProvisioningURI string
}

// TwoFactorStatus summarizes the user's second-factor state.
type TwoFactorStatus struct {
	Enabled  bool
	Required bool
	// PendingSetup is set when enrollment was started but never confirmed.
	PendingSetup bool
}

// SetupTwoFactor generates a fresh secret and stores it unconfirmed.
// Restarting setup replaces any earlier unconfirmed secret.
func (s *Service) SetupTwoFactor(ctx context.Context, u *User) (*TwoFactorSetup, error) {
	if u.TOTPEnabled {
		return nil, fmt.Errorf("%w: two-factor already enabled", ErrConflict)
	}
	secret, err := GenerateTOTPSecret()
	if err != nil {
		return nil, err
	}
	if err := s.users.SetTOTP(ctx, u.ID, secret, false); err != nil {
		return nil, err
	}
	return &TwoFactorSetup{
		Secret:          secret,
		ProvisioningURI: ProvisioningURI(secret, u.Email, s.totpIssuer),
	}, nil
}

// ConfirmTwoFactor proves the authenticator was enrolled and enables the
// second factor.
func (s *Service) ConfirmTwoFactor(ctx context.Context, u *User, code string) error {
	if u.TOTPEnabled {
		return fmt.Errorf("%w: two-factor already enabled", ErrConflict)
	}
	if u.TOTPSecret == "" {
		return fmt.Errorf("%w: two-factor setup has not been started", ErrValidation)
	}
	if err := s.consumeTOTP(ctx, u, code); err != nil {
		return err
	}
	if err := s.users.SetTOTP(ctx, u.ID, u.TOTPSecret, true); err != nil {
		return err
	}
	s.recordActivity(ctx, u, "2fa_enabled", "", "")
	return nil
}

// DisableTwoFactor turns the second factor off after a final code check. If
// policy still requires it, the next login flags setup as required again.
func (s *Service) DisableTwoFactor(ctx context.Context, u *User, code string) error {
	if !u.TOTPEnabled {
		return fmt.Errorf("%w: two-factor is not enabled", ErrValidation)
	}
	if err := s.consumeTOTP(ctx, u, code); err != nil {
		return err
	}
	if err := s.users.SetTOTP(ctx, u.ID, "", false); err != nil {
		return err
	}
	s.recordActivity(ctx, u, "2fa_disabled", "", "")
	return nil
}

// TwoFactorState reports enrollment and policy state for the current user.
func (s *Service) TwoFactorState(ctx context.Context, u *User) (*TwoFactorStatus, error) {
	required, err := s.twoFactorRequired(ctx, u)
	if err != nil {
		return nil, err
	}
	return &TwoFactorStatus{
		Enabled:      u.TOTPEnabled,
		Required:     required,
		PendingSetup: !u.TOTPEnabled && u.TOTPSecret != "",
	}, nil
}

// VerifyTwoFactor completes a challenge opened by Login. The caller holds a
// temporary token; on success a full session is issued. With rememberDevice
// the returned device token lets future logins skip the challenge.
func (s *Service) VerifyTwoFactor(ctx context.Context, u *User, code string, rememberDevice bool, deviceName, ip string) (*LoginResult, string, error) {
	if !u.TOTPEnabled {
		return nil, "", fmt.Errorf("%w: two-factor is not enabled", ErrForbidden)
	}
	if err := s.consumeTOTP(ctx, u, code); err != nil {
		return nil, "", err
	}
	res, err := s.completeLogin(ctx, u, "login", "2fa", ip)
	if err != nil {
		return nil, "", err
	}
	if !rememberDevice {
		return res, "", nil
	}
	token, err := NewDeviceToken()
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	d := &TrustedDevice{
		ID:        ids.New(),
		UserID:    u.ID,
		Token:     token,
		Name:      deviceName,
		ExpiresAt: now.Add(s.deviceTTL),
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := s.devices.Create(ctx, d); err != nil {
		return nil, "", err
	}
	return res, token, nil
}

// CheckTrustedDevice upgrades a pending two-factor challenge to a full
// session when the presented device token belongs to the user and has not
// expired. LastSeen is refreshed on success.
func (s *Service) CheckTrustedDevice(ctx context.Context, u *User, deviceToken, ip string) (*LoginResult, error) {
	if deviceToken == "" {
		return nil, fmt.Errorf("%w: no trusted device", ErrUnauthenticated)
	}
	d, err := s.devices.FindForUser(ctx, u.ID, deviceToken)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: no trusted device", ErrUnauthenticated)
	}
	if err != nil {
		return nil, err
	}
	if d == nil || !d.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: no trusted device", ErrUnauthenticated)
	}
	if err := s.devices.Touch(ctx, d.ID, s.now().UTC()); err != nil {
		obs.Logger().Warn("touch trusted device", slog.String("error", err.Error()))
	}
	return s.completeLogin(ctx, u, "login", "trusted device", ip)
}

// consumeTOTP verifies a code and burns its time step, so the same code
// cannot be presented twice.
func (s *Service) consumeTOTP(ctx context.Context, u *User, code string) error {
	step, ok, err := VerifyTOTP(u.TOTPSecret, code)
	if err != nil {
		return err
	}
	if !ok || step <= u.TOTPLastStep {
		obs.CountAuthFailure("bad_totp")
		return fmt.Errorf("%w: invalid verification code", ErrForbidden)
	}
	if err := s.users.SetTOTPLastStep(ctx, u.ID, step); err != nil {
		return err
	}
	u.TOTPLastStep = step
	return nil
}
