package auth

import (
	"errors"
	"testing"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse 1")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "correct horse 1" {
		t.Fatal("hash equals plaintext")
	}
	if !VerifyPassword(hash, "correct horse 1") {
		t.Fatal("correct password rejected")
	}
	if VerifyPassword(hash, "wrong horse 1") {
		t.Fatal("wrong password accepted")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	if VerifyPassword("", "anything") {
		t.Fatal("empty hash accepted")
	}
	if VerifyPassword("not-a-bcrypt-hash", "anything") {
		t.Fatal("malformed hash accepted")
	}
}

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"abcdef12", true},
		{"пароль12", true},
		{"short1", false},
		{"onlyletters", false},
		{"12345678", false},
		{"", false},
	}
	for _, tc := range tests {
		err := ValidatePassword(tc.password)
		if tc.ok && err != nil {
			t.Fatalf("ValidatePassword(%q) = %v, want nil", tc.password, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("ValidatePassword(%q) = nil, want error", tc.password)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("ValidatePassword(%q) = %v, want ErrValidation", tc.password, err)
			}
		}
	}
}
