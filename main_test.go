package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"bulletin-notifier/config"
	"bulletin-notifier/pkg/bulletin"
	"bulletin-notifier/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		mutate  func(*config.Config, string)
		wantErr bool
	}{
		{name: "memory", mutate: func(c *config.Config, _ string) { c.Storage.Backend = "memory" }},
		{name: "file", mutate: func(c *config.Config, dir string) {
			c.Storage.Backend = "file"
			c.Storage.Path = filepath.Join(dir, "data")
		}},
		{name: "sqlite", mutate: func(c *config.Config, dir string) {
			c.Storage.Backend = "sqlite"
			c.Storage.SQLitePath = filepath.Join(dir, "nested", "b.db")
		}},
		{name: "redis", mutate: func(c *config.Config, _ string) {
			c.Storage.Backend = "redis"
			c.Storage.RedisAddr = mr.Addr()
		}},
		{name: "redis unreachable", wantErr: true, mutate: func(c *config.Config, _ string) {
			c.Storage.Backend = "redis"
			c.Storage.RedisAddr = "127.0.0.1:1"
		}},
		{name: "unknown", wantErr: true, mutate: func(c *config.Config, _ string) { c.Storage.Backend = "tape" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := config.Defaults()
			tt.mutate(cfg, t.TempDir())

			kv, closeFn, err := openStore(ctx, cfg, discard())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer func() { assert.NoError(t, closeFn()) }()

			require.NoError(t, kv.Put(ctx, bulletin.StateKey, `{"fingerprint":"abc"}`))
			got, err := kv.Get(ctx, bulletin.StateKey)
			require.NoError(t, err)
			assert.Equal(t, `{"fingerprint":"abc"}`, got)

			_, err = kv.Get(ctx, "MISSING")
			assert.True(t, storage.IsNotFound(err))
		})
	}
}

func TestNewTransport(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*config.Config)
		wantName string
		wantNil  bool
		wantErr  bool
	}{
		{name: "none", mutate: func(c *config.Config) { c.Email.Transport = "none" }, wantNil: true},
		{name: "mock", mutate: func(c *config.Config) { c.Email.Transport = "mock" }, wantName: "mock"},
		{name: "smtp", wantName: "smtp", mutate: func(c *config.Config) {
			c.Email.Transport = "smtp"
			c.SMTP.Host = "mail.example.com"
		}},
		{name: "brevo", wantName: "brevo", mutate: func(c *config.Config) {
			c.Email.Transport = "brevo"
			c.Brevo.APIKey = "key"
		}},
		{name: "ses", wantName: "ses", mutate: func(c *config.Config) {
			c.Email.Transport = "ses"
			c.SES.Region = "us-east-1"
			c.SES.AccessKeyID = "AKID"
			c.SES.SecretAccessKey = "secret"
		}},
		{name: "gmail missing credentials", wantErr: true, mutate: func(c *config.Config) {
			c.Email.Transport = "gmail"
			c.Gmail.CredentialsFile = filepath.Join(t.TempDir(), "absent.json")
		}},
		{name: "smtp without host", wantErr: true, mutate: func(c *config.Config) { c.Email.Transport = "smtp" }},
		{name: "unknown", wantErr: true, mutate: func(c *config.Config) { c.Email.Transport = "fax" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(cfg)

			tr, err := newTransport(context.Background(), cfg, discard())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, tr)
				return
			}
			require.NotNil(t, tr)
			assert.Equal(t, tt.wantName, tr.Name())
		})
	}
}

func TestBuildMonitor(t *testing.T) {
	cfg := config.Defaults()
	cfg.Email.From = "alerts@example.com"
	cfg.Email.DefaultRecipient = "Owner@Example.com"

	mon, reg, err := buildMonitor(cfg, storage.NewMemory(0), nil, discard())
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, cfg.Upstream.URL, mon.SourceURL())
	assert.Equal(t, "none", mon.Via())
	assert.Equal(t, "owner@example.com", mon.DefaultRecipient())

	cfg.Email.SubjectTemplate = "{% bogus %}"
	_, _, err = buildMonitor(cfg, storage.NewMemory(0), nil, discard())
	assert.Error(t, err)
}
