package auth

import (
	"encoding/base32"
	"time"
)

// TOTPCodeAt derives the code an authenticator app would show, for tests
// living outside the package.
func TOTPCodeAt(secret string, at time.Time) string {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		panic(err)
	}
	return hotpCode(key, at.Unix()/totpPeriod)
}

// SetClock pins the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }
