package qr

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func TestDataURI(t *testing.T) {
	uri, err := DataURI("otpauth://totp/HomeMatrix:alice@example.com?secret=ABC")
	if err != nil {
		t.Fatalf("DataURI: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(uri, prefix) {
		t.Fatalf("missing data URI prefix: %q", uri[:40])
	}
	png, err := base64.StdEncoding.DecodeString(uri[len(prefix):])
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatal("payload is not a PNG")
	}
}
