package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/iotzator/homematrix/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// publicPaths never require a token.
var publicPaths = map[string]struct{}{
	"/healthz":                       {},
	"/readyz":                        {},
	"/metrics":                       {},
	"/api/auth/register":             {},
	"/api/auth/login":                {},
	"/api/auth/refresh":              {},
	"/api/auth/logout":               {},
	"/api/auth/forgot-password":      {},
	"/api/auth/validate-reset-token": {},
	"/api/auth/reset-password":       {},
}

// tempTokenPaths accept the temporary mid-challenge token. Everything else
// requires a full one.
var tempTokenPaths = map[string]struct{}{
	"/api/auth/2fa/verify":       {},
	"/api/auth/2fa/status":       {},
	"/api/auth/2fa/check-device": {},
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		_, allowTemporary := tempTokenPaths[r.URL.Path]
		u, claims, err := a.svc.Authenticate(r.Context(), token, allowTemporary)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		// A temporary token grants nothing beyond finishing its challenge.
		if claims.Temporary && !allowTemporary {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), u)))
	})
}

// currentUser returns the authenticated user or writes a 401.
func currentUser(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	u := auth.UserFromContext(r.Context())
	if u == nil {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return u, true
}

// requireAdmin returns the authenticated admin or writes the failure.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) (*auth.User, bool) {
	u, ok := currentUser(w, r)
	if !ok {
		return nil, false
	}
	if err := a.svc.RequireAdmin(u); err != nil {
		handleServiceError(w, r, err)
		return nil, false
	}
	return u, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
