// Package mailer implements the Mailer collaborator spec.md §1 specifies
// only at its interface: a single SendCode operation. Transport is SMTP via
// net/smtp, the same mechanism the teacher's own notification code assumes
// is available in its deployment environment.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
)

// Config holds SMTP connection details.
type Config struct {
	Host     string
	Port     int
	Sender   string
	Password string
	Enabled  bool
}

// SMTPMailer sends one-time codes over SMTP with PLAIN auth.
type SMTPMailer struct {
	cfg Config
}

func New(cfg Config) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// SendCode emails code to recipient, respecting ctx's deadline (callers
// apply the 10s mail timeout from SPEC_FULL.md §5). When the mailer is
// disabled (e.g. local development), it is a no-op success so the login
// flow is never blocked on mail configuration.
func (m *SMTPMailer) SendCode(ctx context.Context, recipient, code string) error {
	if !m.cfg.Enabled {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
		auth := smtp.PlainAuth("", m.cfg.Sender, m.cfg.Password, m.cfg.Host)
		subject := "Your verification code"
		body := fmt.Sprintf("Your one-time verification code is: %s\r\nThis code expires shortly.\r\n", code)
		msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s", recipient, subject, body))
		done <- smtp.SendMail(addr, auth, m.cfg.Sender, []string{recipient}, msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("mailer: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mailer: send code: %w", err)
		}
		return nil
	}
}
