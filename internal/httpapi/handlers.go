// Package httpapi is the HTTP surface of the gateway: authentication,
// account self-service, the admin API and the filtered automation proxy.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/iotzator/homematrix/internal/auth"
	"github.com/iotzator/homematrix/internal/config"
	"github.com/iotzator/homematrix/internal/ha"
	"github.com/iotzator/homematrix/internal/obs"
	"github.com/iotzator/homematrix/internal/perm"
)

// ReadyProbe checks the hard dependency before the instance takes traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	resolver   *perm.Resolver
	upstream   *ha.Client
	readyProbe ReadyProbe
	cfg        config.Config
	version    string
}

func New(svc *auth.Service, resolver *perm.Resolver, upstream *ha.Client, rp ReadyProbe, cfg config.Config, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		resolver:   resolver,
		upstream:   upstream,
		readyProbe: rp,
		cfg:        cfg,
		version:    version,
	}

	m := a.mux
	m.HandleFunc("GET /healthz", a.handleHealthz)
	m.HandleFunc("GET /readyz", a.handleReady)
	m.Handle("GET /metrics", obs.Handler())

	m.HandleFunc("POST /api/auth/register", a.handleRegister)
	m.HandleFunc("POST /api/auth/login", a.handleLogin)
	m.HandleFunc("POST /api/auth/refresh", a.handleRefresh)
	m.HandleFunc("POST /api/auth/logout", a.handleLogout)
	m.HandleFunc("GET /api/auth/me", a.handleMe)
	m.HandleFunc("POST /api/auth/change-password", a.handleChangePassword)
	m.HandleFunc("POST /api/auth/forgot-password", a.handleForgotPassword)
	m.HandleFunc("POST /api/auth/validate-reset-token", a.handleValidateResetToken)
	m.HandleFunc("POST /api/auth/reset-password", a.handleResetPassword)

	m.HandleFunc("GET /api/auth/2fa/status", a.handleTwoFactorStatus)
	m.HandleFunc("POST /api/auth/2fa/setup", a.handleTwoFactorSetup)
	m.HandleFunc("POST /api/auth/2fa/confirm", a.handleTwoFactorConfirm)
	m.HandleFunc("POST /api/auth/2fa/disable", a.handleTwoFactorDisable)
	m.HandleFunc("POST /api/auth/2fa/verify", a.handleTwoFactorVerify)
	m.HandleFunc("POST /api/auth/2fa/check-device", a.handleTwoFactorCheckDevice)

	m.HandleFunc("GET /api/hosts", a.handleMyHosts)
	m.HandleFunc("GET /api/hosts/{id}/states", a.handleStates)
	m.HandleFunc("GET /api/hosts/{id}/states/{entity}", a.handleEntityState)
	m.HandleFunc("POST /api/hosts/{id}/services/{domain}/{service}", a.handleCallService)
	m.HandleFunc("GET /api/hosts/{id}/config", a.handleHostConfig)
	m.HandleFunc("GET /api/hosts/{id}/entities", a.handleEntities)

	m.HandleFunc("GET /api/admin/users", a.handleListUsers)
	m.HandleFunc("POST /api/admin/users", a.handleCreateUser)
	m.HandleFunc("GET /api/admin/users/pending", a.handleListPendingUsers)
	m.HandleFunc("GET /api/admin/users/{id}", a.handleGetUser)
	m.HandleFunc("DELETE /api/admin/users/{id}", a.handleDeleteUser)
	m.HandleFunc("POST /api/admin/users/{id}/approve", a.handleApproveUser)
	m.HandleFunc("POST /api/admin/users/{id}/revoke", a.handleRevokeUser)
	m.HandleFunc("POST /api/admin/users/{id}/restore", a.handleRestoreUser)
	m.HandleFunc("PUT /api/admin/users/{id}/admin", a.handleSetUserAdmin)
	m.HandleFunc("PUT /api/admin/users/{id}/require-2fa", a.handleSetUserRequire2FA)
	m.HandleFunc("POST /api/admin/users/{id}/reset-password", a.handleAdminResetPassword)
	m.HandleFunc("POST /api/admin/users/{id}/roles", a.handleAssignRole)
	m.HandleFunc("DELETE /api/admin/users/{id}/roles/{roleID}", a.handleUnassignRole)

	m.HandleFunc("GET /api/admin/roles", a.handleListRoles)
	m.HandleFunc("POST /api/admin/roles", a.handleCreateRole)
	m.HandleFunc("PATCH /api/admin/roles/{id}", a.handleUpdateRole)
	m.HandleFunc("DELETE /api/admin/roles/{id}", a.handleDeleteRole)
	m.HandleFunc("GET /api/admin/roles/{id}/permissions", a.handleListRolePermissions)
	m.HandleFunc("POST /api/admin/roles/{id}/permissions", a.handleAddPermission)
	m.HandleFunc("DELETE /api/admin/permissions/{id}", a.handleRemovePermission)

	m.HandleFunc("GET /api/admin/hosts", a.handleAdminListHosts)
	m.HandleFunc("POST /api/admin/hosts", a.handleCreateHost)
	m.HandleFunc("PATCH /api/admin/hosts/{id}", a.handleUpdateHost)
	m.HandleFunc("DELETE /api/admin/hosts/{id}", a.handleDeleteHost)
	m.HandleFunc("POST /api/admin/hosts/{id}/ping", a.handlePingHost)

	m.HandleFunc("GET /api/admin/activity", a.handleListActivity)
	m.HandleFunc("DELETE /api/admin/activity", a.handlePurgeActivity)

	m.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.cfg.RateBurst, a.cfg.RatePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h, a.cfg.AllowedOrigins)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "homematrix",
		"version": a.version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, code int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleServiceError maps the auth error taxonomy onto HTTP statuses. The
// unauthenticated message is fixed so probes cannot tell failure modes apart.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, messageOr(err, "forbidden"))
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, messageOr(err, "already exists"))
	case errors.Is(err, auth.ErrValidation):
		writeError(w, r, http.StatusBadRequest, messageOr(err, "invalid input"))
	case errors.Is(err, perm.ErrDenied):
		writeError(w, r, http.StatusForbidden, "no access to this host")
	default:
		obs.Logger().Error("internal error",
			"path", r.URL.Path, "error", err.Error())
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// handleUpstreamError maps proxy failures: unreachable hosts become 502 and
// upstream statuses pass through.
func handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var se *ha.StatusError
	switch {
	case errors.As(err, &se):
		writeError(w, r, se.Code, "upstream error")
	case errors.Is(err, ha.ErrUnreachable):
		writeError(w, r, http.StatusBadGateway, "automation host unreachable")
	default:
		handleServiceError(w, r, err)
	}
}

// messageOr strips the sentinel prefix from a wrapped error so responses say
// "password must ..." rather than "auth: invalid input: password must ...".
func messageOr(err error, fallback string) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 && i+2 < len(msg) {
		return msg[i+2:]
	}
	if msg != "" {
		return msg
	}
	return fallback
}

