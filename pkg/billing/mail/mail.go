// Package mail provides billing.Mailer implementations.
package mail

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// ErrNotConfigured is returned by NewSMTPMailer without a host.
var ErrNotConfigured = errors.New("mail: smtp host is required")

// SMTPConfig configures an SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     string // default "587"
	Username string
	Password string

	// From defaults to no-reply@<host>.
	From string
}

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends HTML email through an SMTP relay.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
	send sendFunc
}

var _ billing.Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer creates an SMTPMailer. PLAIN auth is used when a username
// and password are set.
func NewSMTPMailer(config SMTPConfig) (*SMTPMailer, error) {
	if config.Host == "" {
		return nil, ErrNotConfigured
	}
	port := config.Port
	if port == "" {
		port = "587"
	}
	from := config.From
	if from == "" {
		from = "no-reply@" + config.Host
	}

	var auth smtp.Auth
	if config.Username != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &SMTPMailer{
		addr: net.JoinHostPort(config.Host, port),
		from: from,
		auth: auth,
		send: smtp.SendMail,
	}, nil
}

// Send implements billing.Mailer. smtp.SendMail cannot be interrupted, so a
// cancelled ctx returns early and the send finishes in the background.
func (m *SMTPMailer) Send(ctx context.Context, email billing.Email) error {
	if email.To == "" {
		return errors.New("mail: empty recipient")
	}
	msg := buildMessage(m.from, email)

	done := make(chan error, 1)
	go func() {
		done <- m.send(m.addr, m.auth, m.from, []string{email.To}, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("mail: send to %s via %s: %w", email.To, m.addr, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from string, email billing.Email) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + email.To + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", email.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(email.HTML)
	return []byte(b.String())
}

// LogMailer logs emails instead of sending them. Used in development.
type LogMailer struct {
	Logger billing.Logger
}

// Send implements billing.Mailer
func (m *LogMailer) Send(_ context.Context, email billing.Email) error {
	if m.Logger != nil {
		m.Logger.Info("email not sent (log mailer)",
			billing.Field{Key: "to", Value: email.To},
			billing.Field{Key: "subject", Value: email.Subject},
		)
	}
	return nil
}
