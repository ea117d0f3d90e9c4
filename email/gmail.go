package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// Gmail sends through the Gmail API as the authenticated account.
type Gmail struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmail creates a Gmail transport.
func NewGmail(service *gmail.Service, logger *slog.Logger) *Gmail {
	return &Gmail{service: service, logger: logger}
}

// Name implements Transport.
func (g *Gmail) Name() string { return "gmail" }

// Connect implements Transport.
func (g *Gmail) Connect(context.Context) (Session, error) {
	return funcSession(g.send), nil
}

func (g *Gmail) send(ctx context.Context, msg *Message) error {
	raw, err := buildMIME(msg, time.Now())
	if err != nil {
		return err
	}
	encoded := base64.URLEncoding.EncodeToString(raw)

	return retry.Do(
		func() error {
			start := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
			duration := time.Since(start)
			if err != nil {
				g.logger.Warn("Gmail API send failed", "to", msg.To, "duration_ms", duration.Milliseconds(), "error", err)
				return fmt.Errorf("gmail send: %w", err)
			}
			g.logger.Info("Gmail API request completed", "to", msg.To, "duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
}
