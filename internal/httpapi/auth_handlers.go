package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/iotzator/homematrix/internal/audit"
	"github.com/iotzator/homematrix/internal/auth"
)

const (
	refreshCookieName = "hm_refresh"
	deviceCookieName  = "hm_device"
	refreshCookiePath = "/api/auth"
)

type userResponse struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	FullName      string     `json:"full_name,omitempty"`
	Status        string     `json:"status"`
	IsAdmin       bool       `json:"is_admin"`
	Require2FA    bool       `json:"require_2fa"`
	TOTPEnabled   bool       `json:"totp_enabled"`
	ExternalAuth  bool       `json:"external_auth,omitempty"`
	RequestReason string     `json:"request_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
}

func toUserResponse(u *auth.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		FullName:      u.FullName,
		Status:        string(u.Status),
		IsAdmin:       u.IsAdmin,
		Require2FA:    u.Require2FA,
		TOTPEnabled:   u.TOTPEnabled,
		ExternalAuth:  u.ExternalAuth,
		RequestReason: u.RequestReason,
		CreatedAt:     u.CreatedAt,
		ApprovedAt:    u.ApprovedAt,
	}
}

type loginResponse struct {
	AccessToken   string        `json:"access_token"`
	TokenType     string        `json:"token_type"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Requires2FA   bool          `json:"requires_2fa,omitempty"`
	SetupRequired bool          `json:"setup_2fa_required,omitempty"`
	User          *userResponse `json:"user,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email         string `json:"email"`
		Password      string `json:"password"`
		FullName      string `json:"full_name"`
		RequestReason string `json:"request_reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.svc.Register(r.Context(), req.Email, req.Password, req.FullName, req.RequestReason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "user.registered", slog.String("email", u.Email))
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":    toUserResponse(u),
		"message": "registration received; an administrator must approve the account",
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	deviceToken := ""
	if c, err := r.Cookie(deviceCookieName); err == nil {
		deviceToken = c.Value
	}
	res, err := a.svc.Login(r.Context(), req.Email, req.Password, deviceToken, clientIP(r))
	if err != nil {
		audit.Event(r.Context(), "login.failed", slog.String("email", req.Email), slog.String("ip", clientIP(r)))
		handleServiceError(w, r, err)
		return
	}
	if res.Requires2FA {
		writeJSON(w, http.StatusOK, loginResponse{
			AccessToken: res.AccessToken,
			TokenType:   "bearer",
			ExpiresAt:   res.ExpiresAt,
			Requires2FA: true,
		})
		return
	}
	audit.Event(r.Context(), "login.succeeded", slog.String("user_id", res.User.ID))
	a.writeSession(w, res)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookieName)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	res, err := a.svc.Refresh(r.Context(), c.Value)
	if err != nil {
		a.clearRefreshCookie(w)
		handleServiceError(w, r, err)
		return
	}
	a.writeSession(w, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(refreshCookieName); err == nil {
		if err := a.svc.Logout(r.Context(), c.Value); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	roles, err := a.svc.RolesForUser(r.Context(), u.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  toUserResponse(u),
		"roles": names,
	})
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ChangePassword(r.Context(), u, req.CurrentPassword, req.NewPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "password.changed")
	// Every session is gone now, including this client's.
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_changed"})
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ForgotPassword(r.Context(), req.Email); err != nil {
		handleServiceError(w, r, err)
		return
	}
	// The reply never reveals whether the account exists.
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "if the address belongs to an account, a reset link is on its way",
	})
}

func (a *API) handleValidateResetToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ValidateResetToken(r.Context(), req.Token); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "password.reset")
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}

// writeSession sets the rotated refresh cookie and returns the access token.
func (a *API) writeSession(w http.ResponseWriter, res *auth.LoginResult) {
	a.setRefreshCookie(w, res.RefreshToken, res.RefreshExpiresAt)
	user := toUserResponse(res.User)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:   res.AccessToken,
		TokenType:     "bearer",
		ExpiresAt:     res.ExpiresAt,
		SetupRequired: res.SetupRequired,
		User:          &user,
	})
}

func (a *API) setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   a.secureCookies(),
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies(),
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) setDeviceCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     deviceCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   a.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) secureCookies() bool {
	return a.cfg.Environment != "development"
}
