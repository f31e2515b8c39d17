package mail

import (
	"context"
	"net/smtp"
	"strings"
	"testing"
)

func TestSendPasswordReset(t *testing.T) {
	m := NewSMTPMailer("relay.example.com", 587, "mailer", "secret", "noreply@example.com")

	var (
		gotAddr string
		gotFrom string
		gotTo   []string
		gotMsg  string
	)
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		if a == nil {
			t.Error("auth not configured")
		}
		return nil
	}

	link := "https://gw.example.com/reset?token=abc"
	if err := m.SendPasswordReset(context.Background(), "alice@example.com", link); err != nil {
		t.Fatalf("SendPasswordReset: %v", err)
	}
	if gotAddr != "relay.example.com:587" {
		t.Fatalf("addr = %q", gotAddr)
	}
	if gotFrom != "noreply@example.com" {
		t.Fatalf("from = %q", gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "alice@example.com" {
		t.Fatalf("to = %v", gotTo)
	}
	if !strings.Contains(gotMsg, link) {
		t.Fatalf("link missing from message:\n%s", gotMsg)
	}
	if !strings.Contains(gotMsg, "Subject: Reset your HomeMatrix password\r\n") {
		t.Fatalf("subject missing:\n%s", gotMsg)
	}
}

func TestNoAuthWithoutUser(t *testing.T) {
	m := NewSMTPMailer("relay.example.com", 25, "", "", "noreply@example.com")
	called := false
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		called = true
		if a != nil {
			t.Error("auth configured for anonymous relay")
		}
		return nil
	}
	if err := m.SendPasswordReset(context.Background(), "bob@example.com", "https://x/reset?token=t"); err != nil {
		t.Fatalf("SendPasswordReset: %v", err)
	}
	if !called {
		t.Fatal("send not invoked")
	}
}

func TestCancelledContext(t *testing.T) {
	m := NewSMTPMailer("relay.example.com", 25, "", "", "noreply@example.com")
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		t.Fatal("send invoked despite cancelled context")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.SendPasswordReset(ctx, "bob@example.com", "link"); err == nil {
		t.Fatal("want context error")
	}
}
