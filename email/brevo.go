package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBrevoEndpoint is the Brevo transactional email API.
const DefaultBrevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// Brevo sends via the Brevo (formerly Sendinblue) HTTP API.
type Brevo struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	fromName string
	endpoint string
}

// NewBrevo creates a Brevo transport. An empty endpoint selects the public API.
func NewBrevo(apiKey, fromName, endpoint string, logger *slog.Logger) *Brevo {
	if endpoint == "" {
		endpoint = DefaultBrevoEndpoint
	}
	return &Brevo{
		apiKey:   apiKey,
		fromName: fromName,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent,omitempty"`
	Text    string         `json:"textContent,omitempty"`
	To      []brevoContact `json:"to"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Name implements Transport.
func (b *Brevo) Name() string { return "brevo" }

// Connect implements Transport. The API is stateless, so there is nothing to dial.
func (b *Brevo) Connect(context.Context) (Session, error) {
	return funcSession(b.send), nil
}

func (b *Brevo) send(ctx context.Context, msg *Message) error {
	jsonData, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: extractAddress(msg.From), Name: b.fromName},
		To:      []brevoContact{{Email: extractAddress(msg.To)}},
		Subject: sanitizeHeader(msg.Subject),
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			req.Header.Set("api-key", b.apiKey)

			resp, err := b.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				b.logger.Warn("Brevo API request failed", "to", msg.To, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					b.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
			case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
				return retry.Unrecoverable(fmt.Errorf("brevo: HTTP %d", resp.StatusCode))
			default:
				return fmt.Errorf("brevo: HTTP %d", resp.StatusCode)
			}

			b.logger.Info("Brevo API request completed", "to", msg.To, "duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo email send after error", "attempt", n, "error", err)
		}),
	)
}
