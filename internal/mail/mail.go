// Package mail sends account mail through a plain SMTP relay.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// SMTPMailer implements auth.Mailer over net/smtp with optional AUTH PLAIN.
type SMTPMailer struct {
	addr string
	auth smtp.Auth
	from string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer targets host:port. User and password may be empty for an
// unauthenticated relay.
func NewSMTPMailer(host string, port int, user, password, from string) *SMTPMailer {
	m := &SMTPMailer{
		addr: fmt.Sprintf("%s:%d", host, port),
		from: from,
		send: smtp.SendMail,
	}
	if user != "" {
		m.auth = smtp.PlainAuth("", user, password, host)
	}
	return m
}

// SendPasswordReset mails the reset link. The message is deliberately free
// of any account detail beyond the address itself.
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, to, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := buildMessage(m.from, to, "Reset your HomeMatrix password", strings.Join([]string{
		"A password reset was requested for your HomeMatrix account.",
		"",
		"Open the link below to choose a new password. It expires shortly and works once:",
		"",
		link,
		"",
		"If you did not request this, you can ignore this message.",
	}, "\r\n"))
	return m.send(m.addr, m.auth, m.from, []string{to}, msg)
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
