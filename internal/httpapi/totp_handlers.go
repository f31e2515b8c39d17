package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/iotzator/homematrix/internal/audit"
	"github.com/iotzator/homematrix/internal/obs"
	"github.com/iotzator/homematrix/internal/qr"
)

func (a *API) handleTwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	status, err := a.svc.TwoFactorState(r.Context(), u)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":       status.Enabled,
		"required":      status.Required,
		"pending_setup": status.PendingSetup,
	})
}

func (a *API) handleTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	setup, err := a.svc.SetupTwoFactor(r.Context(), u)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	qrURI, err := qr.DataURI(setup.ProvisioningURI)
	if err != nil {
		// The secret and URI are still usable for manual entry.
		obs.Logger().Warn("render enrollment qr", slog.String("error", err.Error()))
		qrURI = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":           setup.Secret,
		"provisioning_uri": setup.ProvisioningURI,
		"qr_code":          qrURI,
	})
}

func (a *API) handleTwoFactorConfirm(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ConfirmTwoFactor(r.Context(), u, req.Code); err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "2fa.enabled")
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true})
}

func (a *API) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.DisableTwoFactor(r.Context(), u, req.Code); err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "2fa.disabled")
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

// handleTwoFactorCheckDevice skips the challenge when the browser presents a
// trusted device cookie. No code is required; the device token is the proof.
func (a *API) handleTwoFactorCheckDevice(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	var deviceToken string
	if c, err := r.Cookie(deviceCookieName); err == nil {
		deviceToken = c.Value
	}
	res, err := a.svc.CheckTrustedDevice(r.Context(), u, deviceToken, clientIP(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "2fa.device_trusted", slog.String("user_id", res.User.ID))
	a.writeSession(w, res)
}

// handleTwoFactorVerify finishes the login challenge.
func (a *API) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Code           string `json:"code"`
		RememberDevice bool   `json:"remember_device"`
		DeviceName     string `json:"device_name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, deviceToken, err := a.svc.VerifyTwoFactor(r.Context(), u, req.Code, req.RememberDevice, req.DeviceName, clientIP(r))
	if err != nil {
		audit.Event(r.Context(), "2fa.verify_failed", slog.String("ip", clientIP(r)))
		handleServiceError(w, r, err)
		return
	}
	if deviceToken != "" {
		expires := time.Now().Add(time.Duration(a.cfg.DeviceTTLDays) * 24 * time.Hour)
		a.setDeviceCookie(w, deviceToken, expires)
	}
	audit.Event(r.Context(), "2fa.verified", slog.String("user_id", res.User.ID))
	a.writeSession(w, res)
}
