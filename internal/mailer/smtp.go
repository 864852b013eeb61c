package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/ignite/campaign-dispatch/internal/domain"
)

// SMTPConfig holds the connection settings for one sending account.
type SMTPConfig struct {
	Host       string
	Port       int
	Encryption domain.Encryption
	AuthMode   string
	Username   string
	Password   string
	Timeout    time.Duration
}

// SMTPTransport delivers messages over a raw SMTP session. Encryption modes:
// "ssl" dials a TLS socket directly, "tls" upgrades via STARTTLS, "none"
// stays plaintext. Only LOGIN/PLAIN auth is supported, matching the account
// contract.
type SMTPTransport struct {
	cfg SMTPConfig
}

// NewSMTPTransport validates the config and returns a transport.
func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.New("smtp transport: host and port are required")
	}
	switch cfg.Encryption {
	case domain.EncryptionNone, domain.EncryptionSSL, domain.EncryptionTLS, "":
	default:
		return nil, fmt.Errorf("smtp transport: unsupported encryption %q", cfg.Encryption)
	}
	if cfg.AuthMode != "" && cfg.AuthMode != "login" && cfg.AuthMode != "plain" && cfg.AuthMode != "none" {
		return nil, fmt.Errorf("smtp transport: unsupported auth mode %q", cfg.AuthMode)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg}, nil
}

// Send runs one SMTP transaction: connect, negotiate TLS per the account's
// encryption mode, authenticate, MAIL/RCPT/DATA, QUIT.
func (t *SMTPTransport) Send(ctx context.Context, env Envelope, raw []byte) error {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}

	var conn net.Conn
	var err error
	if t.cfg.Encryption == domain.EncryptionSSL {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: t.cfg.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("smtp connect to %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if t.cfg.Encryption == domain.EncryptionTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return errors.New("smtp server does not advertise STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}

	if t.cfg.Username != "" && t.cfg.AuthMode != "none" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(env.From); err != nil {
		return fmt.Errorf("smtp mail from %s: %w", env.From, err)
	}
	if err := client.Rcpt(env.To); err != nil {
		return fmt.Errorf("smtp rcpt to rejected: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("smtp write payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp finalize payload: %w", err)
	}

	return client.Quit()
}
