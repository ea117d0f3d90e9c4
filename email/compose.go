package email

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/osteele/liquid"
)

// DefaultSubjectTemplate is rendered with the "product" binding.
const DefaultSubjectTemplate = "New {{ product }} bulletin"

// DefaultProduct names the Brownsville area forecast discussion.
const DefaultProduct = "AFDBRO (Brownsville)"

// ComposerConfig configures message composition.
type ComposerConfig struct {
	From            string
	BaseURL         string
	SourceURL       string
	Product         string
	SubjectTemplate string
}

// Composer builds personalized bulletin messages.
type Composer struct {
	cfg     ComposerConfig
	subject string
}

// NewComposer renders the subject template once and returns a composer.
func NewComposer(cfg ComposerConfig) (*Composer, error) {
	if cfg.Product == "" {
		cfg.Product = DefaultProduct
	}
	if cfg.SubjectTemplate == "" {
		cfg.SubjectTemplate = DefaultSubjectTemplate
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	engine := liquid.NewEngine()
	tpl, err := engine.ParseString(cfg.SubjectTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	subject, err := tpl.RenderString(liquid.Bindings{"product": cfg.Product})
	if err != nil {
		return nil, fmt.Errorf("render subject template: %w", err)
	}

	return &Composer{cfg: cfg, subject: strings.TrimSpace(subject)}, nil
}

// Subject is the rendered subject line.
func (c *Composer) Subject() string {
	return c.subject
}

// From is the configured sender address.
func (c *Composer) From() string {
	return c.cfg.From
}

// UnsubscribeURL is the one-click link for token, or "" without a token or base URL.
func (c *Composer) UnsubscribeURL(token string) string {
	if token == "" || c.cfg.BaseURL == "" {
		return ""
	}
	return c.cfg.BaseURL + "/unsubscribe?token=" + url.QueryEscape(token)
}

// Compose builds the message for one recipient. An empty token omits the
// unsubscribe link.
func (c *Composer) Compose(to, token, text string) (*Message, error) {
	if c.cfg.From == "" {
		return nil, ErrNoSender
	}

	unsub := c.UnsubscribeURL(token)
	plain := text
	if unsub != "" {
		plain = strings.TrimRight(text, "\n") + "\n\n-- \nUnsubscribe: " + unsub + "\n"
	}

	return &Message{
		From:    c.cfg.From,
		To:      to,
		Subject: c.subject,
		Text:    plain,
		HTML:    RenderHTML(text, RenderOptions{UnsubscribeURL: unsub, SourceURL: c.cfg.SourceURL}),
	}, nil
}
