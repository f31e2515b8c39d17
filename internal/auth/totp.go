package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// RFC 6238 parameters. SHA1/6/30 is what every authenticator app defaults to.
const (
	totpDigits = 6
	totpPeriod = 30
)

var (
	secretKeyRegex = regexp.MustCompile("^[A-Z2-7]+$")
	totpCodeRegex  = regexp.MustCompile(`^\d{6}$`)
)

// GenerateTOTPSecret returns a new 160-bit base32 secret.
func GenerateTOTPSecret() (string, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret), nil
}

// ProvisioningURI builds the otpauth:// URI encoded into the enrollment QR.
// https://github.com/google/google-authenticator/wiki/Key-Uri-Format
func ProvisioningURI(secret, account, issuer string) string {
	label := url.PathEscape(issuer) + ":" + url.PathEscape(account)
	query := url.Values{}
	query.Set("secret", secret)
	query.Set("issuer", issuer)
	query.Set("algorithm", "SHA1")
	query.Set("digits", fmt.Sprintf("%d", totpDigits))
	query.Set("period", fmt.Sprintf("%d", totpPeriod))
	return fmt.Sprintf("otpauth://totp/%s?%s", label, query.Encode())
}

// VerifyTOTP checks a code against the secret, accepting the previous,
// current and next time step to tolerate clock drift. On success it returns
// the matched step so callers can reject replays within the same step.
func VerifyTOTP(secret, code string) (int64, bool, error) {
	return verifyTOTPAt(secret, code, time.Now())
}

func verifyTOTPAt(secret, code string, at time.Time) (int64, bool, error) {
	secret = strings.TrimSpace(strings.ToUpper(secret))
	if !secretKeyRegex.MatchString(secret) {
		return 0, false, fmt.Errorf("%w: malformed totp secret", ErrValidation)
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		return 0, false, fmt.Errorf("%w: malformed totp secret", ErrValidation)
	}
	code = strings.TrimSpace(code)
	if !totpCodeRegex.MatchString(code) {
		return 0, false, nil
	}
	step := at.Unix() / totpPeriod
	for offset := int64(-1); offset <= 1; offset++ {
		if hotpCode(key, step+offset) == code {
			return step + offset, true, nil
		}
	}
	return 0, false, nil
}

// hotpCode implements RFC 4226 dynamic truncation over HMAC-SHA1.
func hotpCode(key []byte, counter int64) string {
	var counterBytes [8]byte
	for i := 7; i >= 0; i-- {
		counterBytes[i] = byte(counter & 0xff)
		counter >>= 8
	}
	mac := hmac.New(sha1.New, key)
	mac.Write(counterBytes[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := (int(sum[offset]&0x7f) << 24) |
		(int(sum[offset+1]) << 16) |
		(int(sum[offset+2]) << 8) |
		int(sum[offset+3])

	return fmt.Sprintf("%06d", value%1000000)
}

// NewDeviceToken returns an opaque 256-bit trusted-device token.
func NewDeviceToken() (string, error) {
	return randomToken(32)
}
