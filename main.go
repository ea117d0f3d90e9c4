// Package main runs the bulletin notifier: it polls an upstream text product,
// detects new versions and emails them to subscribers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"bulletin-notifier/config"
	"bulletin-notifier/email"
	"bulletin-notifier/poll"
	"bulletin-notifier/schedule"
	"bulletin-notifier/server"
	"bulletin-notifier/storage"
	"bulletin-notifier/subscriber"
	"bulletin-notifier/upstream"

	gcs "cloud.google.com/go/storage"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	configPath := flag.String("config", os.Getenv("BULLETIN_CONFIG"), "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)
	logger.Info("Configuration loaded",
		"storage", cfg.Storage.Backend,
		"transport", cfg.Email.Transport,
		"schedule", cfg.Schedule.Spec,
		"source", cfg.Upstream.URL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	monitor, registry, err := buildMonitor(cfg, kv, transport, logger)
	if err != nil {
		return err
	}

	sched := schedule.New(monitor, cfg.Schedule.Spec, cfg.Schedule.Timeout, logger)
	if err := sched.Validate(); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil && !errors.Is(err, schedule.ErrDisabled) {
		return err
	}
	defer sched.Stop()

	srv := server.New(&server.Config{
		Monitor:       monitor,
		Registry:      registry,
		Logger:        logger,
		Product:       cfg.Email.Product,
		RatePerHour:   cfg.RateLimit.PerHour,
		RateBurst:     cfg.RateLimit.Burst,
		SecureCookies: strings.HasPrefix(cfg.Server.BaseURL, "https://"),
	})
	return srv.ListenAndServe(ctx, cfg.Server.Addr)
}

func buildMonitor(cfg *config.Config, kv subscriber.KV, transport email.Transport, logger *slog.Logger) (*poll.Monitor, *subscriber.Registry, error) {
	clock := clockwork.NewRealClock()

	fetcher := upstream.New(&http.Client{Timeout: cfg.Upstream.Timeout}, upstream.Config{
		URL:       cfg.Upstream.URL,
		UserAgent: cfg.Upstream.UserAgent,
		Selector:  cfg.Upstream.Selector,
		MaxBytes:  cfg.Upstream.MaxBytes,
	}, logger)

	composer, err := email.NewComposer(email.ComposerConfig{
		From:            cfg.Email.From,
		BaseURL:         cfg.Server.BaseURL,
		SourceURL:       cfg.Upstream.URL,
		Product:         cfg.Email.Product,
		SubjectTemplate: cfg.Email.SubjectTemplate,
	})
	if err != nil {
		return nil, nil, err
	}

	registry := subscriber.New(kv, clock, logger)
	detector := poll.NewDetector(kv, clock, logger)
	dispatcher := poll.NewDispatcher(registry, transport, composer, cfg.Email.DefaultRecipient, logger)
	return poll.New(fetcher, detector, dispatcher, clock, logger), registry, nil
}

// openStore returns the configured KV backend and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (subscriber.KV, func() error, error) {
	noop := func() error { return nil }
	size := cfg.Storage.PageSize

	switch cfg.Storage.Backend {
	case "memory":
		logger.Warn("Using in-memory storage, state is lost on restart")
		return storage.NewMemory(size), noop, nil

	case "file":
		s, err := storage.NewFile(cfg.Storage.Path, size, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using local file storage", "path", cfg.Storage.Path)
		return s, noop, nil

	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.Storage.Bucket)
		return storage.NewGCS(client, cfg.Storage.Bucket, size, logger), client.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr, DB: cfg.Storage.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Storage.RedisAddr, err)
		}
		logger.Info("Using Redis storage", "addr", cfg.Storage.RedisAddr)
		return storage.NewRedis(client, size, logger), client.Close, nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		s, err := storage.OpenSQLite(ctx, cfg.Storage.SQLitePath, size)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using SQLite storage", "path", cfg.Storage.SQLitePath)
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// newTransport builds the configured mail transport. "none" yields nil, which
// the dispatcher reports as not configured.
func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Transport, error) {
	switch cfg.Email.Transport {
	case "none":
		logger.Warn("No mail transport configured, deliveries will fail")
		return nil, nil

	case "mock":
		logger.Info("Mock email mode enabled")
		return email.NewMock(logger), nil

	case "smtp":
		return email.NewSMTP(email.SMTPConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			Timeout:            cfg.SMTP.Timeout,
			Secure:             cfg.SMTP.Secure,
			StartTLS:           cfg.SMTP.StartTLS,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		}, logger)

	case "brevo":
		return email.NewBrevo(cfg.Brevo.APIKey, cfg.Email.FromName, cfg.Brevo.Endpoint, logger), nil

	case "gmail":
		if _, err := os.Stat(cfg.Gmail.CredentialsFile); err != nil {
			return nil, fmt.Errorf("gmail credentials: %w", err)
		}
		svc, err := gmail.NewService(ctx, option.WithCredentialsFile(cfg.Gmail.CredentialsFile))
		if err != nil {
			return nil, fmt.Errorf("create gmail service: %w", err)
		}
		return email.NewGmail(svc, logger), nil

	case "ses":
		return email.NewSES(ctx, email.SESConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		}, logger)
	}
	return nil, fmt.Errorf("unknown mail transport %q", cfg.Email.Transport)
}
