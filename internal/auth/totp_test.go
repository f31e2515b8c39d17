package auth

import (
	"net/url"
	"strings"
	"testing"
	"time"
)

// rfcSecret is the RFC 4226 / RFC 6238 test key "12345678901234567890".
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestHOTPVectors(t *testing.T) {
	// Appendix D of RFC 4226, truncated to six digits.
	want := []string{
		"755224", "287082", "359152", "969429", "338314",
		"254676", "287922", "162583", "399871", "520489",
	}
	key := []byte("12345678901234567890")
	for counter, code := range want {
		if got := hotpCode(key, int64(counter)); got != code {
			t.Fatalf("hotpCode(%d) = %s, want %s", counter, got, code)
		}
	}
}

func TestVerifyTOTPAtVector(t *testing.T) {
	// RFC 6238 Appendix B: T = 59s yields 94287082 for SHA1.
	step, ok, err := verifyTOTPAt(rfcSecret, "287082", time.Unix(59, 0))
	if err != nil {
		t.Fatalf("verifyTOTPAt: %v", err)
	}
	if !ok {
		t.Fatal("known-good code rejected")
	}
	if step != 1 {
		t.Fatalf("step = %d, want 1", step)
	}
}

func TestVerifyTOTPWindow(t *testing.T) {
	at := time.Unix(90, 0)
	// The code for the previous step (T=59) is still inside the window.
	if _, ok, _ := verifyTOTPAt(rfcSecret, "287082", at); !ok {
		t.Fatal("previous-step code rejected")
	}
	// Two steps back is outside it.
	if _, ok, _ := verifyTOTPAt(rfcSecret, "755224", time.Unix(120, 0)); ok {
		t.Fatal("stale code accepted")
	}
}

func TestVerifyTOTPBadInput(t *testing.T) {
	if _, ok, _ := verifyTOTPAt(rfcSecret, "12345", time.Unix(59, 0)); ok {
		t.Fatal("five-digit code accepted")
	}
	if _, ok, _ := verifyTOTPAt(rfcSecret, "abc123", time.Unix(59, 0)); ok {
		t.Fatal("non-numeric code accepted")
	}
	if _, _, err := verifyTOTPAt("not base32 at all!", "287082", time.Unix(59, 0)); err == nil {
		t.Fatal("malformed secret accepted")
	}
}

func TestGenerateTOTPSecret(t *testing.T) {
	a, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("GenerateTOTPSecret: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("secret length = %d, want 32 base32 chars for 160 bits", len(a))
	}
	if !secretKeyRegex.MatchString(a) {
		t.Fatalf("secret %q is not unpadded base32", a)
	}
	b, _ := GenerateTOTPSecret()
	if a == b {
		t.Fatal("two secrets collided")
	}
}

func TestProvisioningURI(t *testing.T) {
	uri := ProvisioningURI(rfcSecret, "alice@example.com", "HomeMatrix")
	if !strings.HasPrefix(uri, "otpauth://totp/HomeMatrix:alice@example.com?") {
		t.Fatalf("unexpected label in %q", uri)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	q := parsed.Query()
	if q.Get("secret") != rfcSecret {
		t.Fatalf("secret param = %q", q.Get("secret"))
	}
	if q.Get("issuer") != "HomeMatrix" {
		t.Fatalf("issuer param = %q", q.Get("issuer"))
	}
	if q.Get("digits") != "6" || q.Get("period") != "30" || q.Get("algorithm") != "SHA1" {
		t.Fatalf("unexpected parameters in %q", uri)
	}
}
