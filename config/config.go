// Package config loads service configuration from an optional YAML file
// overlaid with BULLETIN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bulletin-notifier/email"
	"bulletin-notifier/upstream"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables read by Load. A double underscore
// separates sections: BULLETIN_SMTP__HOST sets smtp.host.
const EnvPrefix = "BULLETIN_"

// Config is the full service configuration.
type Config struct {
	Server    Server    `koanf:"server"`
	Upstream  Upstream  `koanf:"upstream"`
	Storage   Storage   `koanf:"storage"`
	Email     Email     `koanf:"email"`
	SMTP      SMTP      `koanf:"smtp"`
	Brevo     Brevo     `koanf:"brevo"`
	Gmail     Gmail     `koanf:"gmail"`
	SES       SES       `koanf:"ses"`
	Schedule  Schedule  `koanf:"schedule"`
	RateLimit RateLimit `koanf:"ratelimit"`
	Log       Log       `koanf:"log"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr    string `koanf:"addr" validate:"required"`
	BaseURL string `koanf:"base_url" validate:"omitempty,url"`
}

// Upstream configures the bulletin source.
type Upstream struct {
	URL       string        `koanf:"url" validate:"required,url"`
	UserAgent string        `koanf:"user_agent" validate:"required"`
	Selector  string        `koanf:"selector"`
	Timeout   time.Duration `koanf:"timeout" validate:"min=1s"`
	MaxBytes  int64         `koanf:"max_bytes" validate:"min=1024"`
}

// Storage selects and configures the KV backend.
type Storage struct {
	Backend    string `koanf:"backend" validate:"oneof=memory file gcs redis sqlite"`
	Path       string `koanf:"path"`
	Bucket     string `koanf:"bucket"`
	RedisAddr  string `koanf:"redis_addr"`
	RedisDB    int    `koanf:"redis_db" validate:"min=0"`
	SQLitePath string `koanf:"sqlite_path"`
	PageSize   int    `koanf:"page_size" validate:"min=1,max=1000"`
}

// Email configures composition and the transport choice.
type Email struct {
	Transport        string `koanf:"transport" validate:"oneof=none mock smtp brevo gmail ses"`
	From             string `koanf:"from"`
	FromName         string `koanf:"from_name"`
	DefaultRecipient string `koanf:"default_recipient" validate:"omitempty,email"`
	Product          string `koanf:"product"`
	SubjectTemplate  string `koanf:"subject_template"`
}

// SMTP configures the SMTP transport.
type SMTP struct {
	Host               string        `koanf:"host"`
	Username           string        `koanf:"username"`
	Password           string        `koanf:"password"`
	Port               int           `koanf:"port" validate:"min=0,max=65535"`
	Timeout            time.Duration `koanf:"timeout"`
	Secure             bool          `koanf:"secure"`
	StartTLS           bool          `koanf:"starttls"`
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"`
}

// Brevo configures the Brevo transport.
type Brevo struct {
	APIKey   string `koanf:"api_key"`
	Endpoint string `koanf:"endpoint" validate:"omitempty,url"`
}

// Gmail configures the Gmail API transport.
type Gmail struct {
	CredentialsFile string `koanf:"credentials_file"`
}

// SES configures the Amazon SES transport.
type SES struct {
	Region          string `koanf:"region"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
}

// Schedule configures the periodic check.
type Schedule struct {
	// Spec is a cron expression; empty disables the scheduler.
	Spec    string        `koanf:"spec"`
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`
}

// RateLimit bounds the public form endpoints per client IP.
type RateLimit struct {
	PerHour int `koanf:"per_hour" validate:"min=1"`
	Burst   int `koanf:"burst" validate:"min=1"`
}

// Log configures the logger.
type Log struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	return &Config{
		Server: Server{Addr: ":8080"},
		Upstream: Upstream{
			URL:       upstream.DefaultURL,
			UserAgent: upstream.DefaultUserAgent,
			Timeout:   30 * time.Second,
			MaxBytes:  1 << 20,
		},
		Storage: Storage{
			Backend:    "file",
			Path:       "./data",
			SQLitePath: "./data/bulletin.db",
			RedisAddr:  "localhost:6379",
			PageSize:   100,
		},
		Email: Email{
			Transport:       "mock",
			Product:         email.DefaultProduct,
			SubjectTemplate: email.DefaultSubjectTemplate,
		},
		SMTP:      SMTP{Port: 587, StartTLS: true, Timeout: 10 * time.Second},
		Schedule:  Schedule{Spec: "*/10 * * * *", Timeout: 5 * time.Minute},
		RateLimit: RateLimit{PerHour: 10, Burst: 3},
		Log:       Log{Level: "info"},
	}
}

// Load reads path (if non-empty) and the environment into a validated Config.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps BULLETIN_SMTP__HOST to smtp.host.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks field constraints and transport-specific requirements.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	var problems []string
	switch c.Storage.Backend {
	case "file":
		if c.Storage.Path == "" {
			problems = append(problems, "storage.path is required for the file backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			problems = append(problems, "storage.bucket is required for the gcs backend")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			problems = append(problems, "storage.redis_addr is required for the redis backend")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			problems = append(problems, "storage.sqlite_path is required for the sqlite backend")
		}
	}

	switch c.Email.Transport {
	case "smtp":
		if c.SMTP.Host == "" {
			problems = append(problems, "smtp.host is required for the smtp transport")
		}
	case "brevo":
		if c.Brevo.APIKey == "" {
			problems = append(problems, "brevo.api_key is required for the brevo transport")
		}
	case "gmail":
		if c.Gmail.CredentialsFile == "" {
			problems = append(problems, "gmail.credentials_file is required for the gmail transport")
		}
	case "ses":
		if c.SES.Region == "" {
			problems = append(problems, "ses.region is required for the ses transport")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Level parses the configured log level.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Redacted returns a copy safe to log.
func (c *Config) Redacted() Config {
	out := *c
	if out.SMTP.Password != "" {
		out.SMTP.Password = "REDACTED"
	}
	if out.Brevo.APIKey != "" {
		out.Brevo.APIKey = "REDACTED"
	}
	if out.SES.SecretAccessKey != "" {
		out.SES.SecretAccessKey = "REDACTED"
	}
	return out
}

