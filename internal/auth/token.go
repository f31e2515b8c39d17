package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer = "homematrix"

	// tempTokenTTL bounds the window between password verification and the
	// second-factor challenge.
	tempTokenTTL = 5 * time.Minute
)

// Claims are the self-contained access-token claims. Temporary marks tokens
// issued mid-2FA-challenge; the identity resolver rejects them everywhere
// except the second-factor verification endpoints.
type Claims struct {
	IsAdmin   bool `json:"adm"`
	Temporary bool `json:"tmp,omitempty"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies access tokens with HS256. The signing key
// is loaded once at startup; rotating it requires only a restart.
type TokenService struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenService builds a TokenService. The key must be at least 32 bytes.
func NewTokenService(secret []byte, accessTTL time.Duration) (*TokenService, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: signing key must be at least 32 bytes")
	}
	if accessTTL <= 0 {
		return nil, errors.New("auth: access token ttl must be positive")
	}
	return &TokenService{secret: secret, accessTTL: accessTTL, now: time.Now}, nil
}

// IssueAccess signs an access token for the user. Temporary tokens carry a
// fixed five-minute lifetime regardless of the configured TTL.
func (s *TokenService) IssueAccess(userID string, isAdmin, temporary bool) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	now := s.now().UTC()
	ttl := s.accessTTL
	if temporary {
		ttl = tempTokenTTL
	}
	expiresAt := now.Add(ttl)
	claims := Claims{
		IsAdmin:   isAdmin,
		Temporary: temporary,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// DecodeAccess verifies signature, algorithm, issuer and expiry. It fails
// closed: any parse or verification problem yields ErrUnauthenticated and
// no claims are ever partially trusted.
func (s *TokenService) DecodeAccess(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnauthenticated
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// NewRefreshToken returns an opaque 256-bit random token. It is stored
// server-side only and carries no claims.
func NewRefreshToken() (string, error) {
	return randomToken(32)
}

// NewResetToken returns a single-use password-reset token.
func NewResetToken() (string, error) {
	return randomToken(32)
}

func randomToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
