package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/codeGROOVE-dev/retry"
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures Amazon SES delivery.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SES sends through Amazon SES v2.
type SES struct {
	client SESAPI
	logger *slog.Logger
}

// NewSES loads AWS configuration and creates an SES transport. Static keys are
// used when provided, otherwise the default credential chain.
func NewSES(ctx context.Context, cfg SESConfig, logger *slog.Logger) (*SES, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESWithClient(sesv2.NewFromConfig(awsCfg), logger), nil
}

// NewSESWithClient wraps an existing client.
func NewSESWithClient(client SESAPI, logger *slog.Logger) *SES {
	return &SES{client: client, logger: logger}
}

// Name implements Transport.
func (s *SES) Name() string { return "ses" }

// Connect implements Transport.
func (s *SES) Connect(context.Context) (Session, error) {
	return funcSession(s.send), nil
}

func (s *SES) send(ctx context.Context, msg *Message) error {
	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sanitizeHeader(msg.From)),
		Destination:      &types.Destination{ToAddresses: []string{extractAddress(msg.To)}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(sanitizeHeader(msg.Subject)), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}

	return retry.Do(
		func() error {
			start := time.Now()
			out, err := s.client.SendEmail(ctx, input)
			if err != nil {
				s.logger.Warn("SES send failed", "to", msg.To, "error", err)
				return fmt.Errorf("ses send: %w", err)
			}
			s.logger.Info("SES send completed", "to", msg.To,
				"message_id", aws.ToString(out.MessageId),
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying SES email send after error", "attempt", n, "error", err)
		}),
	)
}
