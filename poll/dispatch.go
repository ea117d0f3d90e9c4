package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bulletin-notifier/email"
	"bulletin-notifier/metrics"
	"bulletin-notifier/pkg/bulletin"
	"bulletin-notifier/storage"
	"bulletin-notifier/subscriber"
)

// Registry is the subscriber storage the dispatcher needs.
type Registry interface {
	List(ctx context.Context, cursor string) (storage.Page, error)
	Load(ctx context.Context, key string) (*bulletin.Subscriber, error)
	Lookup(ctx context.Context, email string) (string, *bulletin.Subscriber, error)
	EnsureToken(ctx context.Context, key string, sub *bulletin.Subscriber) error
	EnsureActive(ctx context.Context, email, seed string) (*bulletin.Subscriber, error)
	MarkSent(ctx context.Context, key string, sub *bulletin.Subscriber, fingerprint string) error
}

// Composer builds the message for one recipient.
type Composer interface {
	Compose(to, token, text string) (*email.Message, error)
}

// Bulletin is the version being delivered.
type Bulletin struct {
	Fingerprint string
	Previous    string
	Text        string
}

// Summary totals one dispatch pass.
type Summary struct {
	SendError        string
	Attempted        int
	Notified         int
	SkippedMalformed int
}

// firstError keeps the first error of a pass and ignores the rest.
type firstError struct {
	msg string
	set bool
}

func (f *firstError) record(err error) {
	if f.set || err == nil {
		return
	}
	f.msg = err.Error()
	f.set = true
}

// Dispatcher delivers a bulletin to every subscriber who has not received it.
type Dispatcher struct {
	registry         Registry
	transport        email.Transport
	composer         Composer
	logger           *slog.Logger
	defaultRecipient string
}

// NewDispatcher creates a dispatcher. transport may be nil, in which case
// every attempted delivery fails with email.ErrNotConfigured.
func NewDispatcher(registry Registry, transport email.Transport, composer Composer, defaultRecipient string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:         registry,
		transport:        transport,
		composer:         composer,
		defaultRecipient: bulletin.NormalizeEmail(defaultRecipient),
		logger:           logger,
	}
}

// Via names the configured transport.
func (d *Dispatcher) Via() string {
	if d.transport == nil {
		return "none"
	}
	return d.transport.Name()
}

// DefaultRecipient is the protected address, or "".
func (d *Dispatcher) DefaultRecipient() string {
	return d.defaultRecipient
}

// EnsureDefaultRecipient provisions the default recipient. A new record is
// seeded with seed so it is not sent that version.
func (d *Dispatcher) EnsureDefaultRecipient(ctx context.Context, seed string) {
	if d.defaultRecipient == "" {
		return
	}
	if _, err := d.registry.EnsureActive(ctx, d.defaultRecipient, seed); err != nil {
		d.logger.Error("Failed to provision default recipient", "email", d.defaultRecipient, "error", err)
	}
}

// pass is the state of one Dispatch call.
type pass struct {
	session  email.Session
	connErr  error
	firstErr firstError
	sum      Summary
	b        Bulletin
}

// Dispatch runs one pass over all subscribers. Progress is persisted per
// subscriber, so an interrupted pass resumes where it stopped on the next call.
func (d *Dispatcher) Dispatch(ctx context.Context, b Bulletin) Summary {
	start := time.Now()
	seed := b.Previous
	if seed == "" {
		seed = b.Fingerprint
	}
	d.EnsureDefaultRecipient(ctx, seed)

	p := &pass{b: b}
	defer func() {
		if p.session == nil {
			return
		}
		if err := p.session.Close(); err != nil {
			d.logger.Warn("Failed to close mail session", "error", err)
		}
	}()

	seen := make(map[string]struct{})
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			d.logger.Info("Context cancelled, stopping dispatch", "error", err)
			p.firstErr.record(err)
			break
		}

		page, err := d.registry.List(ctx, cursor)
		if err != nil {
			d.logger.Error("Failed to list subscribers", "error", err)
			p.firstErr.record(fmt.Errorf("list subscribers: %w", err))
			break
		}

		for _, key := range page.Keys {
			if ctx.Err() != nil {
				break
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			d.deliver(ctx, p, key)
		}

		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	p.sum.SendError = p.firstErr.msg
	duration := time.Since(start)
	metrics.RecordDispatch(duration)
	d.logger.Info("Dispatch pass completed",
		"fingerprint", b.Fingerprint,
		"attempted", p.sum.Attempted,
		"notified", p.sum.Notified,
		"skipped_malformed", p.sum.SkippedMalformed,
		"send_error", p.sum.SendError,
		"duration_ms", duration.Milliseconds())
	return p.sum
}

// deliver handles one subscriber record. Failures are recorded, never returned.
func (d *Dispatcher) deliver(ctx context.Context, p *pass, key string) {
	sub, err := d.registry.Load(ctx, key)
	switch {
	case errors.Is(err, subscriber.ErrMalformed):
		d.logger.Warn("Skipping malformed subscriber record", "key", key, "error", err)
		p.sum.SkippedMalformed++
		metrics.RecordSkip("malformed")
		return
	case storage.IsNotFound(err):
		return
	case err != nil:
		d.logger.Warn("Failed to load subscriber", "key", key, "error", err)
		return
	}

	switch {
	case sub.Disabled:
		metrics.RecordSkip("disabled")
		return
	case !bulletin.ValidAddress(sub.Email):
		d.logger.Warn("Skipping subscriber with invalid address", "key", key)
		metrics.RecordSkip("invalid")
		return
	case sub.CaughtUp(p.b.Fingerprint):
		return
	}

	p.sum.Attempted++
	if err := d.send(ctx, p, key, sub); err != nil {
		d.logger.Warn("Failed to deliver bulletin", "email", sub.Email, "error", err)
		metrics.RecordSend(d.Via(), metrics.SendFailure)
		p.firstErr.record(err)
		return
	}
	metrics.RecordSend(d.Via(), metrics.SendSuccess)
	p.sum.Notified++

	if err := d.registry.MarkSent(ctx, key, sub, p.b.Fingerprint); err != nil {
		d.logger.Error("Delivered but failed to record progress", "email", sub.Email, "error", err)
		p.firstErr.record(fmt.Errorf("record delivery: %w", err))
		return
	}
	d.logger.Info("Bulletin delivered", "email", sub.Email, "fingerprint", p.b.Fingerprint)
}

func (d *Dispatcher) send(ctx context.Context, p *pass, key string, sub *bulletin.Subscriber) error {
	// The token must be persisted before any delivery attempt.
	if err := d.registry.EnsureToken(ctx, key, sub); err != nil {
		return fmt.Errorf("persist unsubscribe token: %w", err)
	}
	if d.transport == nil {
		return email.ErrNotConfigured
	}
	msg, err := d.composer.Compose(sub.Email, sub.UnsubToken, p.b.Text)
	if err != nil {
		return err
	}

	if p.session == nil && p.connErr == nil {
		p.session, p.connErr = d.transport.Connect(ctx)
		if p.connErr != nil {
			p.connErr = fmt.Errorf("connect %s: %w", d.transport.Name(), p.connErr)
		}
	}
	if p.connErr != nil {
		return p.connErr
	}
	return p.session.Send(ctx, msg)
}

// SendOne delivers text to a single address outside of a pass. Subscribers
// that already hold a token get their unsubscribe link; no state is written.
func (d *Dispatcher) SendOne(ctx context.Context, to, text string) error {
	if d.transport == nil {
		return email.ErrNotConfigured
	}

	// Only an existing token is used; one-off sends write nothing.
	token := ""
	if _, sub, err := d.registry.Lookup(ctx, to); err == nil && !sub.Disabled {
		token = sub.UnsubToken
	}

	msg, err := d.composer.Compose(to, token, text)
	if err != nil {
		return err
	}

	session, err := d.transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", d.transport.Name(), err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			d.logger.Warn("Failed to close mail session", "error", err)
		}
	}()

	if err := session.Send(ctx, msg); err != nil {
		metrics.RecordSend(d.Via(), metrics.SendFailure)
		return err
	}
	metrics.RecordSend(d.Via(), metrics.SendSuccess)
	return nil
}
