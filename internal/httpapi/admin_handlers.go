package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/iotzator/homematrix/internal/audit"
	"github.com/iotzator/homematrix/internal/auth"
	"github.com/iotzator/homematrix/internal/ha"
)

// --- users ---

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	users, err := a.svc.ListUsers(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (a *API) handleListPendingUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	users, err := a.svc.ListPendingUsers(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.svc.CreateUser(r.Context(), actor, req.Email, req.Password, req.FullName, req.IsAdmin)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "admin.user_created", slog.String("target", u.ID))
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	u, err := a.svc.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
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

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := a.svc.DeleteUser(r.Context(), actor, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "admin.user_deleted", slog.String("target", id))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleApproveUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	u, err := a.svc.ApproveUser(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "admin.user_approved", slog.String("target", u.ID))
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (a *API) handleRevokeUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := a.svc.RevokeUser(r.Context(), actor, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "admin.user_revoked", slog.String("target", id))
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleRestoreUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := a.svc.RestoreUser(r.Context(), actor, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "active"})
}

func (a *API) handleSetUserAdmin(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		IsAdmin bool `json:"is_admin"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if err := a.svc.SetUserAdmin(r.Context(), actor, id, req.IsAdmin); err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "admin.user_admin_changed", slog.String("target", id))
	writeJSON(w, http.StatusOK, map[string]any{"is_admin": req.IsAdmin})
}

func (a *API) handleSetUserRequire2FA(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		Require2FA bool `json:"require_2fa"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetUserRequire2FA(r.Context(), actor, r.PathValue("id"), req.Require2FA); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"require_2fa": req.Require2FA})
}

func (a *API) handleAdminResetPassword(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if err := a.svc.AdminResetPassword(r.Context(), actor, id, req.Password); err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "admin.password_reset", slog.String("target", id))
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		RoleID string `json:"role_id"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ur, err := a.svc.AssignRole(r.Context(), actor, r.PathValue("id"), req.RoleID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      ur.ID,
		"user_id": ur.UserID,
		"role_id": ur.RoleID,
	})
}

func (a *API) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	if err := a.svc.UnassignRole(r.Context(), actor, r.PathValue("id"), r.PathValue("roleID")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- roles ---

type roleResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Require2FA  bool      `json:"require_2fa"`
	CreatedAt   time.Time `json:"created_at"`
}

func toRoleResponse(role *auth.Role) roleResponse {
	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		Require2FA:  role.Require2FA,
		CreatedAt:   role.CreatedAt,
	}
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	roles, err := a.svc.ListRoles(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Require2FA  bool   `json:"require_2fa"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.CreateRole(r.Context(), actor, req.Name, req.Description, req.Require2FA)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoleResponse(role))
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		Name       *string `json:"name"`
		Require2FA *bool   `json:"require_2fa"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.UpdateRole(r.Context(), actor, r.PathValue("id"), req.Name, req.Require2FA)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoleResponse(role))
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeleteRole(r.Context(), actor, r.PathValue("id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- permissions ---

type permissionResponse struct {
	ID              string    `json:"id"`
	RoleID          string    `json:"role_id"`
	HostID          string    `json:"host_id"`
	AllowedDomains  []string  `json:"allowed_domains"`
	AllowedEntities []string  `json:"allowed_entities"`
	CreatedAt       time.Time `json:"created_at"`
}

func toPermissionResponse(p *auth.RolePermission) permissionResponse {
	return permissionResponse{
		ID:              p.ID,
		RoleID:          p.RoleID,
		HostID:          p.HostID,
		AllowedDomains:  p.AllowedDomains,
		AllowedEntities: p.AllowedEntities,
		CreatedAt:       p.CreatedAt,
	}
}

func (a *API) handleListRolePermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	perms, err := a.svc.ListRolePermissions(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, toPermissionResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (a *API) handleAddPermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		HostID   string   `json:"host_id"`
		Domains  []string `json:"allowed_domains"`
		Entities []string `json:"allowed_entities"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.svc.AddPermission(r.Context(), actor, r.PathValue("id"), req.HostID, req.Domains, req.Entities)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPermissionResponse(p))
}

func (a *API) handleRemovePermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	if err := a.svc.RemovePermission(r.Context(), actor, r.PathValue("id")); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- hosts ---

func (a *API) handleAdminListHosts(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	hosts, err := a.svc.ListHosts(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]hostResponse, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, toHostResponse(h))
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": out})
}

func (a *API) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		BaseURL     string `json:"base_url"`
		Token       string `json:"token"`
		Description string `json:"description"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h, err := a.svc.CreateHost(r.Context(), actor, req.Name, req.BaseURL, req.Token, req.Description)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "admin.host_created", slog.String("target", h.ID))
	writeJSON(w, http.StatusCreated, toHostResponse(h))
}

func (a *API) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        *string `json:"name"`
		BaseURL     *string `json:"base_url"`
		Token       *string `json:"token"`
		Description *string `json:"description"`
		Active      *bool   `json:"active"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	h, err := a.svc.UpdateHost(r.Context(), actor, r.PathValue("id"), auth.HostInput{
		Name:        req.Name,
		BaseURL:     req.BaseURL,
		Token:       req.Token,
		Description: req.Description,
		Active:      req.Active,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHostResponse(h))
}

func (a *API) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := a.svc.DeleteHost(r.Context(), actor, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	audit.Event(r.Context(), "admin.host_deleted", slog.String("target", id))
	w.WriteHeader(http.StatusNoContent)
}

// handlePingHost checks upstream reachability with the stored credential.
func (a *API) handlePingHost(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	ep, err := a.svc.ActiveHostEndpoint(r.Context(), r.PathValue("id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	target := ha.Target{BaseURL: ep.Host.BaseURL, Token: ep.Token}
	if err := a.upstream.Ping(r.Context(), target); err != nil {
		handleUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reachable"})
}

// --- activity ---

type activityResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	UserEmail string    `json:"user_email,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	IP        string    `json:"ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *API) handleListActivity(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAdmin(w, r); !ok {
		return
	}
	q := auth.ActivityQuery{
		Action:    r.URL.Query().Get("action"),
		UserEmail: r.URL.Query().Get("user_email"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "offset must be non-negative")
			return
		}
		q.Offset = n
	}
	entries, err := a.svc.ListActivity(r.Context(), q)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]activityResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, activityResponse{
			ID:        e.ID,
			UserID:    e.UserID,
			UserEmail: e.UserEmail,
			Action:    e.Action,
			Detail:    e.Detail,
			IP:        e.IP,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": out})
}

// handlePurgeActivity drops entries older than the requested retention,
// default 90 days.
func (a *API) handlePurgeActivity(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.requireAdmin(w, r)
	if !ok {
		return
	}
	days := 90
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}
	before := time.Now().UTC().AddDate(0, 0, -days)
	n, err := a.svc.PurgeActivity(r.Context(), actor, before)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}
