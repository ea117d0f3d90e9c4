// Package email composes bulletin messages and delivers them through
// pluggable transports.
package email

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotConfigured means no mail transport is available.
	ErrNotConfigured = errors.New("mail transport not configured")
	// ErrNoSender means no From address is configured.
	ErrNoSender = errors.New("sender address not configured")
)

// Message is one outgoing email with text and HTML alternatives.
type Message struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

// Transport opens delivery sessions.
type Transport interface {
	// Name identifies the transport in logs and API responses.
	Name() string
	Connect(ctx context.Context) (Session, error)
}

// Session delivers messages over one established connection. Callers must Close it.
type Session interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// funcSession adapts a stateless send function to Session for API-based transports.
type funcSession func(ctx context.Context, msg *Message) error

func (f funcSession) Send(ctx context.Context, msg *Message) error { return f(ctx, msg) }

func (funcSession) Close() error { return nil }

// sanitizeHeader removes newlines and control characters to prevent header injection.
func sanitizeHeader(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// extractAddress returns the bare address from "Name <addr>".
func extractAddress(address string) string {
	if start := strings.Index(address, "<"); start != -1 {
		if end := strings.Index(address[start:], ">"); end > 1 {
			return strings.TrimSpace(address[start+1 : start+end])
		}
	}
	return strings.TrimSpace(address)
}
