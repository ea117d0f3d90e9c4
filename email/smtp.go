package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig configures an SMTP relay.
type SMTPConfig struct {
	Host     string
	Username string
	Password string
	Port     int
	Timeout  time.Duration
	// Secure dials with implicit TLS. Port 465 implies it.
	Secure bool
	// StartTLS upgrades a plain connection when the server offers it.
	StartTLS bool
	// InsecureSkipVerify disables certificate checks, for local relays only.
	InsecureSkipVerify bool
}

// SMTP delivers through an SMTP relay, one connection per session.
type SMTP struct {
	logger *slog.Logger
	now    func() time.Time
	cfg    SMTPConfig
}

// NewSMTP creates an SMTP transport.
func NewSMTP(cfg SMTPConfig, logger *slog.Logger) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Port == 465 {
		cfg.Secure = true
	}
	return &SMTP{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Name implements Transport.
func (s *SMTP) Name() string { return "smtp" }

func (s *SMTP) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.InsecureSkipVerify, //nolint:gosec // opt-in for local relays
	}
}

// Connect dials the relay, negotiates TLS and authenticates.
func (s *SMTP) Connect(ctx context.Context) (Session, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}

	var conn net.Conn
	var err error
	if s.cfg.Secure {
		td := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial smtp: %w", err)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create smtp client: %w", err)
	}

	if !s.cfg.Secure && s.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(s.tlsConfig()); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if s.cfg.Username != "" {
		if err := client.Auth(s.auth(client)); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	s.logger.Info("SMTP session established", "addr", addr, "secure", s.cfg.Secure)
	return &smtpSession{client: client, conn: conn, smtp: s}, nil
}

// auth prefers PLAIN and falls back to LOGIN when that is all the server offers.
func (s *SMTP) auth(client *smtp.Client) smtp.Auth {
	if ok, mechs := client.Extension("AUTH"); ok {
		upper := strings.ToUpper(mechs)
		if !strings.Contains(upper, "PLAIN") && strings.Contains(upper, "LOGIN") {
			return &loginAuth{username: s.cfg.Username, password: s.cfg.Password}
		}
	}
	return smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
}

type smtpSession struct {
	client *smtp.Client
	conn   net.Conn
	smtp   *SMTP
}

func (ss *smtpSession) Send(ctx context.Context, msg *Message) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = ss.conn.SetDeadline(deadline)
		defer func() { _ = ss.conn.SetDeadline(time.Time{}) }()
	}

	data, err := buildMIME(msg, ss.smtp.now())
	if err != nil {
		return err
	}

	if err := ss.deliver(msg, data); err != nil {
		// Leave the session usable for the next recipient.
		if resetErr := ss.client.Reset(); resetErr != nil {
			ss.smtp.logger.Warn("SMTP reset failed", "error", resetErr)
		}
		return err
	}
	return nil
}

func (ss *smtpSession) deliver(msg *Message, data []byte) error {
	if err := ss.client.Mail(extractAddress(msg.From)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := ss.client.Rcpt(extractAddress(msg.To)); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := ss.client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return nil
}

func (ss *smtpSession) Close() error {
	if err := ss.client.Quit(); err != nil {
		_ = ss.client.Close()
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

// loginAuth implements the LOGIN mechanism, which net/smtp does not ship.
type loginAuth struct {
	username string
	password string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && !isLocalhost(server.Name) {
		return "", nil, errors.New("unencrypted connection")
	}
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	prompt := strings.ToLower(strings.TrimSpace(string(fromServer)))
	switch {
	case strings.HasPrefix(prompt, "username"):
		return []byte(a.username), nil
	case strings.HasPrefix(prompt, "password"):
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected server challenge %q", fromServer)
	}
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}
