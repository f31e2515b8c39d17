package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iotzator/homematrix/internal/auth"
	"github.com/iotzator/homematrix/internal/config"
	"github.com/iotzator/homematrix/internal/ha"
	"github.com/iotzator/homematrix/internal/perm"
	"github.com/iotzator/homematrix/internal/secrets"
	"github.com/iotzator/homematrix/internal/store/memory"
)

func testConfig() config.Config {
	return config.Config{
		Environment:    "development",
		DeviceTTLDays:  180,
		RateBurst:      100,
		RatePerSec:     100,
		AllowedOrigins: []string{"https://app.example.com"},
	}
}

func newTestAPI(t *testing.T, cfg config.Config) (*API, *auth.Service, *memory.Store) {
	t.Helper()
	tokens, err := auth.NewTokenService(bytes.Repeat([]byte{0x33}, 32), 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	box, err := secrets.NewBox(bytes.Repeat([]byte{0x44}, secrets.KeySize))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	store := memory.New()
	svc, err := auth.NewService(auth.Options{
		Users:       store.Users(),
		Sessions:    store.Sessions(),
		Roles:       store.Roles(),
		Permissions: store.Permissions(),
		Hosts:       store.Hosts(),
		Devices:     store.Devices(),
		ResetTokens: store.ResetTokens(),
		Activity:    store.ActivityLog(),
		Tokens:      tokens,
		Box:         box,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	resolver := perm.NewResolver(store.Permissions())
	upstream := ha.NewClient(2 * time.Second)
	api := New(svc, resolver, upstream, ReadyProbe{}, cfg, "test")
	return api, svc, store
}

func seedActiveUser(t *testing.T, store *memory.Store, email string, isAdmin bool) *auth.User {
	t.Helper()
	hash, err := auth.HashPassword("correct-horse1")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &auth.User{
		ID:           "u-" + email,
		Email:        email,
		PasswordHash: hash,
		Status:       auth.UserStatusActive,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func doRequest(t *testing.T, h http.Handler, method, path, body, token string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// login performs the HTTP login and returns the bearer token and the refresh
// cookie.
func login(t *testing.T, h http.Handler, email string) (string, *http.Cookie) {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/api/auth/login",
		`{"email":"`+email+`","password":"correct-horse1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	var refresh *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == refreshCookieName {
			refresh = c
		}
	}
	if res.AccessToken == "" || refresh == nil {
		t.Fatalf("incomplete login response: token=%q cookie=%v", res.AccessToken, refresh)
	}
	return res.AccessToken, refresh
}

func TestHealthz(t *testing.T) {
	api, _, _ := newTestAPI(t, testConfig())
	rec := doRequest(t, api.Handler(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"homematrix"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestLoginAndMe(t *testing.T) {
	api, _, store := newTestAPI(t, testConfig())
	seedActiveUser(t, store, "alice@example.com", false)
	h := api.Handler()

	token, _ := login(t, h, "alice@example.com")
	rec := doRequest(t, h, http.MethodGet, "/api/auth/me", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "alice@example.com") {
		t.Fatalf("me body missing email: %s", rec.Body.String())
	}
}

func TestLoginBadPassword(t *testing.T) {
	api, _, store := newTestAPI(t, testConfig())
	seedActiveUser(t, store, "alice@example.com", false)
	rec := doRequest(t, api.Handler(), http.MethodPost, "/api/auth/login",
		`{"email":"alice@example.com","password":"wrong"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "authentication required") {
		t.Fatalf("error message leaks detail: %s", rec.Body.String())
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	api, _, _ := newTestAPI(t, testConfig())
	h := api.Handler()
	for _, path := range []string{"/api/auth/me", "/api/hosts", "/api/admin/users"} {
		rec := doRequest(t, h, http.MethodGet, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s status = %d, want 401", path, rec.Code)
		}
	}
}

func TestAdminRoutesForbiddenForNonAdmin(t *testing.T) {
	api, _, store := newTestAPI(t, testConfig())
	seedActiveUser(t, store, "alice@example.com", false)
	h := api.Handler()
	token, _ := login(t, h, "alice@example.com")

	rec := doRequest(t, h, http.MethodGet, "/api/admin/users", "", token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRefreshRotatesSession(t *testing.T) {
	api, _, store := newTestAPI(t, testConfig())
	seedActiveUser(t, store, "alice@example.com", false)
	h := api.Handler()
	_, refresh := login(t, h, "alice@example.com")

	rec := doRequest(t, h, http.MethodPost, "/api/auth/refresh", "", "", refresh)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body.String())
	}
	var rotated *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == refreshCookieName {
			rotated = c
		}
	}
	if rotated == nil || rotated.Value == refresh.Value {
		t.Fatal("refresh cookie was not rotated")
	}

	// The consumed token is dead.
	rec = doRequest(t, h, http.MethodPost, "/api/auth/refresh", "", "", refresh)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale refresh status = %d, want 401", rec.Code)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	api, _, store := newTestAPI(t, testConfig())
	seedActiveUser(t, store, "alice@example.com", false)
	h := api.Handler()
	_, refresh := login(t, h, "alice@example.com")

	rec := doRequest(t, h, http.MethodPost, "/api/auth/logout", "", "", refresh)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == refreshCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("refresh cookie not cleared")
	}

	rec = doRequest(t, h, http.MethodPost, "/api/auth/refresh", "", "", refresh)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout = %d, want 401", rec.Code)
	}
}

func TestTemporaryTokenRejectedOutsideVerify(t *testing.T) {
	api, _, store := newTestAPI(t, testConfig())
	hash, _ := auth.HashPassword("correct-horse1")
	u := &auth.User{
		ID:           "u-2fa",
		Email:        "bob@example.com",
		PasswordHash: hash,
		Status:       auth.UserStatusActive,
		Require2FA:   true,
		TOTPSecret:   "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ",
		TOTPEnabled:  true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	h := api.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/auth/login",
		`{"email":"bob@example.com","password":"correct-horse1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res struct {
		AccessToken string `json:"access_token"`
		Requires2FA bool   `json:"requires_2fa"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Requires2FA {
		t.Fatal("expected a 2FA challenge")
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == refreshCookieName {
			t.Fatal("challenge response set a refresh cookie")
		}
	}

	// The temporary token opens nothing but the verify endpoint.
	rec = doRequest(t, h, http.MethodGet, "/api/auth/me", "", res.AccessToken)
	if rec.Code != http.StatusForbidden && rec.Code != http.StatusUnauthorized {
		t.Fatalf("temp token accepted on /me: %d", rec.Code)
	}

	// A wrong code at the verify endpoint fails without issuing a session.
	rec = doRequest(t, h, http.MethodPost, "/api/auth/2fa/verify",
		`{"code":"000000"}`, res.AccessToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad code status = %d, want 403", rec.Code)
	}
}

func TestCheckDeviceUpgradesChallenge(t *testing.T) {
	api, _, store := newTestAPI(t, testConfig())
	hash, _ := auth.HashPassword("correct-horse1")
	u := &auth.User{
		ID:           "u-device",
		Email:        "dana@example.com",
		PasswordHash: hash,
		Status:       auth.UserStatusActive,
		Require2FA:   true,
		TOTPSecret:   "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ",
		TOTPEnabled:  true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.Users().Create(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	now := time.Now().UTC()
	dev := &auth.TrustedDevice{
		ID:        "d-1",
		UserID:    u.ID,
		Token:     "device-token-1",
		Name:      "laptop",
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := store.Devices().Create(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	h := api.Handler()

	// Login without the device cookie still returns a challenge.
	rec := doRequest(t, h, http.MethodPost, "/api/auth/login",
		`{"email":"dana@example.com","password":"correct-horse1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res struct {
		AccessToken string `json:"access_token"`
		Requires2FA bool   `json:"requires_2fa"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Requires2FA {
		t.Fatal("expected a 2FA challenge")
	}

	// Without the cookie the upgrade is refused.
	rec = doRequest(t, h, http.MethodPost, "/api/auth/2fa/check-device", "", res.AccessToken)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("check-device without cookie = %d, want 401", rec.Code)
	}

	// With the trusted device cookie a full session is issued.
	rec = doRequest(t, h, http.MethodPost, "/api/auth/2fa/check-device", "", res.AccessToken,
		&http.Cookie{Name: deviceCookieName, Value: "device-token-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("check-device status = %d, body %s", rec.Code, rec.Body.String())
	}
	var full struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &full); err != nil {
		t.Fatalf("decode: %v", err)
	}
	gotRefresh := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == refreshCookieName && c.Value != "" {
			gotRefresh = true
		}
	}
	if full.AccessToken == "" || !gotRefresh {
		t.Fatal("expected a full session after device check")
	}

	rec = doRequest(t, h, http.MethodGet, "/api/auth/me", "", full.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("me with upgraded token = %d", rec.Code)
	}
}

func TestDeviceCookieScope(t *testing.T) {
	api, _, _ := newTestAPI(t, testConfig())
	rec := httptest.NewRecorder()
	api.setDeviceCookie(rec, "tok", time.Now().Add(time.Hour))

	var c *http.Cookie
	for _, got := range rec.Result().Cookies() {
		if got.Name == deviceCookieName {
			c = got
		}
	}
	if c == nil {
		t.Fatal("device cookie not set")
	}
	// Login reads it too, so it is scoped to the whole site, unlike the
	// refresh cookie.
	if c.Path != "/" {
		t.Fatalf("device cookie path = %q, want /", c.Path)
	}
	if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("device cookie flags: httponly=%t samesite=%v", c.HttpOnly, c.SameSite)
	}
}

func TestCredentialPathsRateLimitedTighter(t *testing.T) {
	api, _, store := newTestAPI(t, testConfig())
	seedActiveUser(t, store, "eve@example.com", false)
	h := api.Handler()

	// The general bucket is wide open in testConfig; only the credential
	// bucket can trip here.
	var last int
	for i := 0; i < 8; i++ {
		rec := doRequest(t, h, http.MethodPost, "/api/auth/login",
			`{"email":"eve@example.com","password":"wrong-password"}`, "")
		last = rec.Code
		if last == http.StatusTooManyRequests {
			break
		}
		if last != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d", i, last)
		}
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("credential limiter never tripped, last status = %d", last)
	}

	// Plain reads on the same connection are unaffected.
	rec := doRequest(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz after limit = %d", rec.Code)
	}
}

func newUpstream(t *testing.T, hostToken string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	authorized := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer "+hostToken
	}
	mux.HandleFunc("GET /api/states", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"entity_id":"light.kitchen","state":"on","attributes":{}},
			{"entity_id":"switch.garage","state":"off","attributes":{}},
			{"entity_id":"climate.living","state":"heat","attributes":{}}
		]`))
	})
	mux.HandleFunc("GET /api/states/{entity}", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entity_id":"` + r.PathValue("entity") + `","state":"on"}`))
	})
	mux.HandleFunc("POST /api/services/{domain}/{service}", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// grantHost wires user -> role -> permission -> host and returns the host id.
func grantHost(t *testing.T, svc *auth.Service, admin, u *auth.User, baseURL, hostToken string, domains, entities []string) string {
	t.Helper()
	ctx := context.Background()
	host, err := svc.CreateHost(ctx, admin, "home", baseURL, hostToken, "")
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	role, err := svc.CreateRole(ctx, admin, "residents", "", false)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := svc.AddPermission(ctx, admin, role.ID, host.ID, domains, entities); err != nil {
		t.Fatalf("AddPermission: %v", err)
	}
	if _, err := svc.AssignRole(ctx, admin, u.ID, role.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	return host.ID
}

func TestStatesFilteredByPermissions(t *testing.T) {
	api, svc, store := newTestAPI(t, testConfig())
	admin := seedActiveUser(t, store, "admin@example.com", true)
	user := seedActiveUser(t, store, "alice@example.com", false)
	upstream := newUpstream(t, "host-secret")
	hostID := grantHost(t, svc, admin, user, upstream.URL, "host-secret", []string{"light"}, nil)
	h := api.Handler()
	token, _ := login(t, h, "alice@example.com")

	rec := doRequest(t, h, http.MethodGet, "/api/hosts/"+hostID+"/states", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("states status = %d, body %s", rec.Code, rec.Body.String())
	}
	var states []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &states); err != nil {
		t.Fatalf("decode states: %v", err)
	}
	if len(states) != 1 || states[0]["entity_id"] != "light.kitchen" {
		t.Fatalf("filtered states = %v", states)
	}
}

func TestStatesDeniedWithoutGrant(t *testing.T) {
	api, svc, store := newTestAPI(t, testConfig())
	admin := seedActiveUser(t, store, "admin@example.com", true)
	seedActiveUser(t, store, "alice@example.com", false)
	upstream := newUpstream(t, "host-secret")
	host, err := svc.CreateHost(context.Background(), admin, "home", upstream.URL, "host-secret", "")
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	h := api.Handler()
	token, _ := login(t, h, "alice@example.com")

	rec := doRequest(t, h, http.MethodGet, "/api/hosts/"+host.ID+"/states", "", token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAdminSeesAllStates(t *testing.T) {
	api, svc, store := newTestAPI(t, testConfig())
	admin := seedActiveUser(t, store, "admin@example.com", true)
	upstream := newUpstream(t, "host-secret")
	host, err := svc.CreateHost(context.Background(), admin, "home", upstream.URL, "host-secret", "")
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	h := api.Handler()
	token, _ := login(t, h, "admin@example.com")

	rec := doRequest(t, h, http.MethodGet, "/api/hosts/"+host.ID+"/states", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var states []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &states); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("admin saw %d states, want 3", len(states))
	}
}

func TestEntityStateOutsideFilterForbidden(t *testing.T) {
	api, svc, store := newTestAPI(t, testConfig())
	admin := seedActiveUser(t, store, "admin@example.com", true)
	user := seedActiveUser(t, store, "alice@example.com", false)
	upstream := newUpstream(t, "host-secret")
	hostID := grantHost(t, svc, admin, user, upstream.URL, "host-secret", []string{"light"}, nil)
	h := api.Handler()
	token, _ := login(t, h, "alice@example.com")

	rec := doRequest(t, h, http.MethodGet, "/api/hosts/"+hostID+"/states/light.kitchen", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed entity status = %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/api/hosts/"+hostID+"/states/switch.garage", "", token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("denied entity status = %d, want 403", rec.Code)
	}
}

func TestCallServiceAuthorization(t *testing.T) {
	api, svc, store := newTestAPI(t, testConfig())
	admin := seedActiveUser(t, store, "admin@example.com", true)
	user := seedActiveUser(t, store, "alice@example.com", false)
	upstream := newUpstream(t, "host-secret")
	hostID := grantHost(t, svc, admin, user, upstream.URL, "host-secret", []string{"light"}, nil)
	h := api.Handler()
	token, _ := login(t, h, "alice@example.com")

	rec := doRequest(t, h, http.MethodPost, "/api/hosts/"+hostID+"/services/light/turn_on",
		`{"entity_id":"light.kitchen"}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed call status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/api/hosts/"+hostID+"/services/lock/unlock",
		`{"entity_id":"lock.front"}`, token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("denied domain status = %d, want 403", rec.Code)
	}

	// Domain is granted but the payload targets a foreign entity.
	rec = doRequest(t, h, http.MethodPost, "/api/hosts/"+hostID+"/services/light/turn_on",
		`{"entity_id":"switch.garage"}`, token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("denied entity status = %d, want 403", rec.Code)
	}
}

func TestListlessGrantRowDoesNotWiden(t *testing.T) {
	api, svc, store := newTestAPI(t, testConfig())
	admin := seedActiveUser(t, store, "admin@example.com", true)
	user := seedActiveUser(t, store, "alice@example.com", false)
	upstream := newUpstream(t, "host-secret")
	ctx := context.Background()

	host, err := svc.CreateHost(ctx, admin, "home", upstream.URL, "host-secret", "")
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	role, err := svc.CreateRole(ctx, admin, "residents", "", false)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	// One scoped row and one row with no lists. The listless row must not
	// open up the rest of the host.
	if _, err := svc.AddPermission(ctx, admin, role.ID, host.ID, []string{"light"}, nil); err != nil {
		t.Fatalf("AddPermission: %v", err)
	}
	if _, err := svc.AddPermission(ctx, admin, role.ID, host.ID, nil, nil); err != nil {
		t.Fatalf("AddPermission: %v", err)
	}
	if _, err := svc.AssignRole(ctx, admin, user.ID, role.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	h := api.Handler()
	token, _ := login(t, h, "alice@example.com")

	rec := doRequest(t, h, http.MethodGet, "/api/hosts/"+host.ID+"/states", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("states status = %d, body %s", rec.Code, rec.Body.String())
	}
	var states []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &states); err != nil {
		t.Fatalf("decode states: %v", err)
	}
	if len(states) != 1 || states[0]["entity_id"] != "light.kitchen" {
		t.Fatalf("filtered states = %v", states)
	}
	rec = doRequest(t, h, http.MethodGet, "/api/hosts/"+host.ID+"/states/switch.garage", "", token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("ungranted entity status = %d, want 403", rec.Code)
	}
}

func TestEntityOnlyGrantCallsService(t *testing.T) {
	api, svc, store := newTestAPI(t, testConfig())
	admin := seedActiveUser(t, store, "admin@example.com", true)
	user := seedActiveUser(t, store, "alice@example.com", false)
	upstream := newUpstream(t, "host-secret")
	hostID := grantHost(t, svc, admin, user, upstream.URL, "host-secret", nil, []string{"switch.garage"})
	h := api.Handler()
	token, _ := login(t, h, "alice@example.com")

	// No domain list, so the domain gate is open; the payload entity check
	// carries the restriction.
	rec := doRequest(t, h, http.MethodPost, "/api/hosts/"+hostID+"/services/switch/turn_on",
		`{"entity_id":"switch.garage"}`, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("granted entity call status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/api/hosts/"+hostID+"/services/switch/turn_on",
		`{"entity_id":"switch.attic"}`, token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("ungranted entity call status = %d, want 403", rec.Code)
	}
}

func TestEntityCatalogue(t *testing.T) {
	api, svc, store := newTestAPI(t, testConfig())
	admin := seedActiveUser(t, store, "admin@example.com", true)
	user := seedActiveUser(t, store, "alice@example.com", false)
	upstream := newUpstream(t, "host-secret")
	hostID := grantHost(t, svc, admin, user, upstream.URL, "host-secret", nil, []string{"switch.garage"})
	h := api.Handler()
	token, _ := login(t, h, "alice@example.com")

	rec := doRequest(t, h, http.MethodGet, "/api/hosts/"+hostID+"/entities", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Domains  []string            `json:"domains"`
		Entities map[string][]string `json:"entities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Domains) != 1 || res.Domains[0] != "switch" {
		t.Fatalf("domains = %v", res.Domains)
	}
	if got := res.Entities["switch"]; len(got) != 1 || got[0] != "switch.garage" {
		t.Fatalf("entities = %v", res.Entities)
	}
}

func TestHostResponsesOmitToken(t *testing.T) {
	api, svc, store := newTestAPI(t, testConfig())
	admin := seedActiveUser(t, store, "admin@example.com", true)
	if _, err := svc.CreateHost(context.Background(), admin, "home", "https://ha.local:8123", "super-secret-token", ""); err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	h := api.Handler()
	token, _ := login(t, h, "admin@example.com")

	for _, path := range []string{"/api/hosts", "/api/admin/hosts"} {
		rec := doRequest(t, h, http.MethodGet, path, "", token)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "super-secret-token") {
			t.Fatalf("%s leaked the host token: %s", path, rec.Body.String())
		}
	}
}

func TestAdminUserLifecycleOverHTTP(t *testing.T) {
	api, _, store := newTestAPI(t, testConfig())
	seedActiveUser(t, store, "admin@example.com", true)
	h := api.Handler()
	token, _ := login(t, h, "admin@example.com")

	rec := doRequest(t, h, http.MethodPost, "/api/auth/register",
		`{"email":"carol@example.com","password":"hunter2abc1","full_name":"Carol"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/api/admin/users/pending", "", token)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "carol@example.com") {
		t.Fatalf("pending list: %d %s", rec.Code, rec.Body.String())
	}
	var pending struct {
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil || len(pending.Users) != 1 {
		t.Fatalf("decode pending: %v %v", err, pending)
	}
	id := pending.Users[0].ID

	rec = doRequest(t, h, http.MethodPost, "/api/admin/users/"+id+"/approve", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d", rec.Code)
	}

	// Now the account can log in.
	rec = doRequest(t, h, http.MethodPost, "/api/auth/login",
		`{"email":"carol@example.com","password":"hunter2abc1"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login after approve = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/api/admin/users/"+id+"/revoke", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodPost, "/api/auth/login",
		`{"email":"carol@example.com","password":"hunter2abc1"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked login = %d, want 401", rec.Code)
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	api, _, _ := newTestAPI(t, testConfig())
	rec := doRequest(t, api.Handler(), http.MethodGet, "/healthz", "", "")
	hdr := rec.Header()
	if hdr.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
	if hdr.Get("X-Frame-Options") != "DENY" {
		t.Fatal("missing frame options header")
	}
	if hdr.Get("X-Request-Id") == "" {
		t.Fatal("missing request id header")
	}
}

func TestCORSPreflight(t *testing.T) {
	api, _, _ := newTestAPI(t, testConfig())
	h := api.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatal("allowed origin not echoed")
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unknown origin was allowed")
	}
}

func TestRateLimitKicksIn(t *testing.T) {
	cfg := testConfig()
	cfg.RateBurst = 2
	cfg.RatePerSec = 1
	api, _, _ := newTestAPI(t, cfg)
	h := api.Handler()

	var last int
	for i := 0; i < 5; i++ {
		rec := doRequest(t, h, http.MethodGet, "/healthz", "", "")
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("status after burst = %d, want 429", last)
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	api, _, store := newTestAPI(t, testConfig())
	seedActiveUser(t, store, "alice@example.com", false)
	h := api.Handler()
	token, _ := login(t, h, "alice@example.com")

	rec := doRequest(t, h, http.MethodGet, "/api/nope", "", token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
}
