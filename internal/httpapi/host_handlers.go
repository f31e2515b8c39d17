package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/iotzator/homematrix/internal/auth"
	"github.com/iotzator/homematrix/internal/ha"
	"github.com/iotzator/homematrix/internal/perm"
)

type hostResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	BaseURL     string    `json:"base_url"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// toHostResponse builds the wire shape. The encrypted token has no field
// here at all, so it cannot leak by accident.
func toHostResponse(h *auth.Host) hostResponse {
	return hostResponse{
		ID:          h.ID,
		Name:        h.Name,
		BaseURL:     h.BaseURL,
		Description: h.Description,
		Active:      h.Active,
		CreatedAt:   h.CreatedAt,
	}
}

func (a *API) handleMyHosts(w http.ResponseWriter, r *http.Request) {
	u, ok := currentUser(w, r)
	if !ok {
		return
	}
	hosts, err := a.svc.AccessibleHosts(r.Context(), u)
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

// resolveProxyTarget authorizes the user for the host and loads the upstream
// endpoint. It writes the failure itself and returns ok=false.
func (a *API) resolveProxyTarget(w http.ResponseWriter, r *http.Request) (*auth.User, perm.Filter, ha.Target, bool) {
	u, ok := currentUser(w, r)
	if !ok {
		return nil, perm.Filter{}, ha.Target{}, false
	}
	hostID := r.PathValue("id")
	filter, err := a.resolver.Resolve(r.Context(), u, hostID)
	if err != nil {
		handleServiceError(w, r, err)
		return nil, perm.Filter{}, ha.Target{}, false
	}
	ep, err := a.svc.ActiveHostEndpoint(r.Context(), hostID)
	if err != nil {
		handleServiceError(w, r, err)
		return nil, perm.Filter{}, ha.Target{}, false
	}
	return u, filter, ha.Target{BaseURL: ep.Host.BaseURL, Token: ep.Token}, true
}

// handleStates proxies the state listing, filtered down to what the caller
// is allowed to see.
func (a *API) handleStates(w http.ResponseWriter, r *http.Request) {
	_, filter, target, ok := a.resolveProxyTarget(w, r)
	if !ok {
		return
	}
	states, err := a.upstream.States(r.Context(), target)
	if err != nil {
		handleUpstreamError(w, r, err)
		return
	}
	visible := perm.Restrict(filter, states, func(s ha.State) string { return s.EntityID })
	raws := make([]json.RawMessage, 0, len(visible))
	for _, s := range visible {
		raws = append(raws, s.Raw)
	}
	writeJSON(w, http.StatusOK, raws)
}

func (a *API) handleEntityState(w http.ResponseWriter, r *http.Request) {
	_, filter, target, ok := a.resolveProxyTarget(w, r)
	if !ok {
		return
	}
	entityID := r.PathValue("entity")
	if !filter.AllowsEntity(entityID) {
		writeError(w, r, http.StatusForbidden, "no access to this entity")
		return
	}
	body, err := a.upstream.EntityState(r.Context(), target, entityID)
	if err != nil {
		handleUpstreamError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

func (a *API) handleCallService(w http.ResponseWriter, r *http.Request) {
	_, filter, target, ok := a.resolveProxyTarget(w, r)
	if !ok {
		return
	}
	domain := r.PathValue("domain")
	service := r.PathValue("service")
	if !filter.AllowsDomain(domain) {
		writeError(w, r, http.StatusForbidden, "no access to this domain")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable request body")
		return
	}
	if len(payload) > 0 {
		// Entity targets inside the payload must pass the filter too;
		// domain access alone does not cover arbitrary entities.
		targets, err := entityTargets(payload)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "malformed service payload")
			return
		}
		for _, entityID := range targets {
			if !filter.AllowsEntity(entityID) {
				writeError(w, r, http.StatusForbidden, "no access to entity "+entityID)
				return
			}
		}
	}

	body, err := a.upstream.CallService(r.Context(), target, domain, service, payload)
	if err != nil {
		handleUpstreamError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

func (a *API) handleHostConfig(w http.ResponseWriter, r *http.Request) {
	_, _, target, ok := a.resolveProxyTarget(w, r)
	if !ok {
		return
	}
	body, err := a.upstream.Config(r.Context(), target)
	if err != nil {
		handleUpstreamError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, body)
}

// handleEntities lists the visible entity ids grouped by domain, a cheap
// catalogue for permission editors and dashboards.
func (a *API) handleEntities(w http.ResponseWriter, r *http.Request) {
	_, filter, target, ok := a.resolveProxyTarget(w, r)
	if !ok {
		return
	}
	states, err := a.upstream.States(r.Context(), target)
	if err != nil {
		handleUpstreamError(w, r, err)
		return
	}
	visible := perm.Restrict(filter, states, func(s ha.State) string { return s.EntityID })

	byDomain := map[string][]string{}
	for _, s := range visible {
		d := perm.Domain(s.EntityID)
		byDomain[d] = append(byDomain[d], s.EntityID)
	}
	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		sort.Strings(byDomain[d])
		domains = append(domains, d)
	}
	sort.Strings(domains)
	writeJSON(w, http.StatusOK, map[string]any{
		"domains":  domains,
		"entities": byDomain,
	})
}

// entityTargets pulls entity_id out of a service payload; it may be absent,
// a string or a list of strings.
func entityTargets(payload []byte) ([]string, error) {
	var probe struct {
		EntityID any `json:"entity_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, err
	}
	switch v := probe.EntityID.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errInvalidEntityID
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errInvalidEntityID
	}
}

var errInvalidEntityID = errors.New("invalid entity_id")
