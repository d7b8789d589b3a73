package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// smtpDialTimeout bounds SMTP connection establishment.
const smtpDialTimeout = 30 * time.Second

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
}

// AddressResolver maps a non-address user ID to an email address.
// Implemented by the memory store via user context preferences.
type AddressResolver interface {
	EmailAddress(ctx context.Context, userID string) (string, error)
}

// Email delivers messages over SMTP.
type Email struct {
	cfg      SMTPConfig
	resolver AddressResolver
}

// NewEmail creates an email notifier. resolver may be nil, in which
// case only user IDs that are themselves addresses can be notified.
func NewEmail(cfg SMTPConfig, resolver AddressResolver) *Email {
	return &Email{cfg: cfg, resolver: resolver}
}

// Name implements Notifier.
func (e *Email) Name() string { return "email" }

// Notify implements Notifier.
func (e *Email) Notify(ctx context.Context, userID, message string) error {
	to := userID
	if !strings.Contains(to, "@") {
		if e.resolver == nil {
			return fmt.Errorf("no email address for user %s", userID)
		}
		addr, err := e.resolver.EmailAddress(ctx, userID)
		if err != nil || addr == "" {
			return fmt.Errorf("no email address for user %s", userID)
		}
		to = addr
	}
	return e.Send(ctx, to, "Update from your assistant", message)
}

// Send composes and delivers one plain-text message. Also satisfies
// the capability mailer interface.
func (e *Email) Send(ctx context.Context, to, subject, body string) error {
	msg, err := composeMessage(e.cfg.From, to, subject, body)
	if err != nil {
		return err
	}
	from, err := mail.ParseAddress(e.cfg.From)
	if err != nil {
		return fmt.Errorf("parse from address %q: %w", e.cfg.From, err)
	}
	return sendMail(ctx, e.cfg, from.Address, []string{to}, msg)
}

// composeMessage builds a complete RFC 5322 message with a single
// text/plain part.
func composeMessage(from, to, subject, body string) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(subject)

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})

	toAddr, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("parse to address %q: %w", to, err)
	}
	h.SetAddressList("To", []*mail.Address{toAddr})

	mw, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}
	if _, err := io.WriteString(mw, body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

// sendMail connects, authenticates, and delivers. Connections are
// ephemeral; each call opens and closes its own.
func sendMail(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	if !cfg.StartTLS {
		// Implicit TLS (port 465).
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
		if err != nil {
			return fmt.Errorf("dial SMTPS %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	} else {
		// STARTTLS (port 587): connect plain, then upgrade.
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return client.Quit()
}
