// Package subscriber manages subscriber records and the unsubscribe index.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bulletin-notifier/pkg/bulletin"
	"bulletin-notifier/storage"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrMalformed means a stored record could not be decoded.
	ErrMalformed = errors.New("malformed subscriber record")
	// ErrInvalidToken means an unsubscribe token resolves to no current subscriber.
	ErrInvalidToken = errors.New("invalid or expired link")
	// ErrInvalidEmail means an address failed validation.
	ErrInvalidEmail = errors.New("invalid email address")
)

// KV is the storage contract the registry needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix, cursor string) (storage.Page, error)
}

// SubscribeOutcome describes what Subscribe did.
type SubscribeOutcome int

// Subscribe outcomes.
const (
	Subscribed SubscribeOutcome = iota
	Reactivated
	AlreadySubscribed
)

// UnsubscribeOutcome describes what Unsubscribe did.
type UnsubscribeOutcome int

// Unsubscribe outcomes.
const (
	Unsubscribed UnsubscribeOutcome = iota
	AlreadyUnsubscribed
	Protected
	Removed
)

// Registry reads and writes subscriber records.
type Registry struct {
	kv       KV
	clock    clockwork.Clock
	logger   *slog.Logger
	newToken func() string
}

// New creates a registry over kv.
func New(kv KV, clock clockwork.Clock, logger *slog.Logger) *Registry {
	return &Registry{kv: kv, clock: clock, logger: logger, newToken: uuid.NewString}
}

// Key returns the storage key for an address.
func Key(email string) string {
	return bulletin.SubscriberKey(email)
}

// List returns one page of subscriber keys.
func (r *Registry) List(ctx context.Context, cursor string) (storage.Page, error) {
	return r.kv.List(ctx, bulletin.SubscriberPrefix, cursor)
}

// Load decodes the record at key. Missing keys return storage.ErrNotFound and
// undecodable records return ErrMalformed.
func (r *Registry) Load(ctx context.Context, key string) (*bulletin.Subscriber, error) {
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var sub bulletin.Subscriber
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	if strings.TrimSpace(sub.Email) == "" {
		return nil, fmt.Errorf("%w: %s: missing email", ErrMalformed, key)
	}
	return &sub, nil
}

// Save writes sub at key.
func (r *Registry) Save(ctx context.Context, key string, sub *bulletin.Subscriber) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}
	if err := r.kv.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("save subscriber: %w", err)
	}
	return nil
}

// EnsureToken gives sub an unsubscribe token if it has none and makes sure the
// reverse index entry exists. The token is set on the stored record, not on
// the caller's copy, so changes written since sub was loaded survive. The
// record is written before the index so an index entry never points at a
// record that lacks the token.
func (r *Registry) EnsureToken(ctx context.Context, key string, sub *bulletin.Subscriber) error {
	if sub.UnsubToken == "" {
		stored, err := r.Load(ctx, key)
		switch {
		case err == nil:
			if stored.UnsubToken == "" {
				stored.UnsubToken = r.newToken()
				if err := r.Save(ctx, key, stored); err != nil {
					return err
				}
			}
			*sub = *stored
		case storage.IsNotFound(err), errors.Is(err, ErrMalformed):
			// Nothing usable is stored; sub is the record being created.
			sub.UnsubToken = r.newToken()
			if err := r.Save(ctx, key, sub); err != nil {
				return err
			}
		default:
			return fmt.Errorf("reload subscriber: %w", err)
		}
	}

	idx := bulletin.UnsubIndexKey(sub.UnsubToken)
	current, err := r.kv.Get(ctx, idx)
	switch {
	case err == nil && current == key:
		return nil
	case err != nil && !storage.IsNotFound(err):
		return fmt.Errorf("read unsubscribe index: %w", err)
	}

	if err := r.kv.Put(ctx, idx, key); err != nil {
		return fmt.Errorf("write unsubscribe index: %w", err)
	}
	r.logger.Debug("Unsubscribe index written", "key", key)
	return nil
}

// MarkSent records a successful delivery of fingerprint. It re-reads the
// record and changes only the delivery fields, so an unsubscribe that landed
// while the message was in flight is kept. A record deleted in the meantime
// is not recreated.
func (r *Registry) MarkSent(ctx context.Context, key string, sub *bulletin.Subscriber, fingerprint string) error {
	stored, err := r.Load(ctx, key)
	if storage.IsNotFound(err) {
		r.logger.Debug("Subscriber removed before delivery was recorded", "key", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload subscriber: %w", err)
	}

	now := r.clock.Now().UTC()
	stored.LastSentHash = fingerprint
	stored.LastSentAt = &now
	if err := r.Save(ctx, key, stored); err != nil {
		return err
	}
	*sub = *stored
	return nil
}

// Subscribe adds email, or re-enables it if it was unsubscribed.
func (r *Registry) Subscribe(ctx context.Context, email string) (SubscribeOutcome, *bulletin.Subscriber, error) {
	email = bulletin.NormalizeEmail(email)
	if !bulletin.ValidAddress(email) {
		return 0, nil, ErrInvalidEmail
	}
	key := Key(email)

	sub, err := r.Load(ctx, key)
	switch {
	case err == nil:
	case storage.IsNotFound(err), errors.Is(err, ErrMalformed):
		if errors.Is(err, ErrMalformed) {
			r.logger.Warn("Replacing malformed subscriber record", "key", key, "error", err)
		}
		// A fresh record has no token, so EnsureToken writes it.
		sub = &bulletin.Subscriber{Email: email, CreatedAt: r.clock.Now().UTC()}
		if err := r.EnsureToken(ctx, key, sub); err != nil {
			return 0, nil, err
		}
		r.logger.Info("Subscriber added", "email", email)
		return Subscribed, sub, nil
	default:
		return 0, nil, fmt.Errorf("load subscriber: %w", err)
	}

	if !sub.Disabled {
		if err := r.EnsureToken(ctx, key, sub); err != nil {
			return 0, nil, err
		}
		return AlreadySubscribed, sub, nil
	}

	sub.Disabled = false
	if err := r.Save(ctx, key, sub); err != nil {
		return 0, nil, err
	}
	if err := r.EnsureToken(ctx, key, sub); err != nil {
		return 0, nil, err
	}
	r.logger.Info("Subscriber reactivated", "email", email)
	return Reactivated, sub, nil
}

// EnsureActive makes sure email exists as an enabled subscriber. A new record
// starts with LastSentHash set to seed, so it is not sent anything older.
func (r *Registry) EnsureActive(ctx context.Context, email, seed string) (*bulletin.Subscriber, error) {
	email = bulletin.NormalizeEmail(email)
	key := Key(email)

	sub, err := r.Load(ctx, key)
	switch {
	case err == nil:
		if sub.Disabled {
			sub.Disabled = false
			if err := r.Save(ctx, key, sub); err != nil {
				return nil, err
			}
			r.logger.Info("Default recipient re-enabled", "email", email)
		}
	case storage.IsNotFound(err), errors.Is(err, ErrMalformed):
		sub = &bulletin.Subscriber{Email: email, CreatedAt: r.clock.Now().UTC(), LastSentHash: seed}
		if err := r.Save(ctx, key, sub); err != nil {
			return nil, err
		}
		r.logger.Info("Default recipient provisioned", "email", email)
	default:
		return nil, fmt.Errorf("load default recipient: %w", err)
	}

	if err := r.EnsureToken(ctx, key, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Lookup loads the subscriber for email. It returns storage.ErrNotFound when
// the address is not subscribed.
func (r *Registry) Lookup(ctx context.Context, email string) (string, *bulletin.Subscriber, error) {
	key := Key(email)
	sub, err := r.Load(ctx, key)
	return key, sub, err
}

// Resolve maps an unsubscribe token to its subscriber. The key is returned
// alongside ErrMalformed so the caller can remove a broken record.
func (r *Registry) Resolve(ctx context.Context, token string) (string, *bulletin.Subscriber, error) {
	token = strings.TrimSpace(token)
	if _, err := uuid.Parse(token); err != nil {
		return "", nil, ErrInvalidToken
	}

	key, err := r.kv.Get(ctx, bulletin.UnsubIndexKey(token))
	if storage.IsNotFound(err) {
		return "", nil, ErrInvalidToken
	}
	if err != nil {
		return "", nil, fmt.Errorf("read unsubscribe index: %w", err)
	}

	sub, err := r.Load(ctx, key)
	switch {
	case storage.IsNotFound(err):
		return "", nil, ErrInvalidToken
	case errors.Is(err, ErrMalformed):
		return key, nil, err
	case err != nil:
		return "", nil, err
	}
	if sub.UnsubToken != token {
		return "", nil, ErrInvalidToken
	}
	return key, sub, nil
}

// Unsubscribe disables the subscriber owning token. The protected address is
// never disabled. A record that cannot be decoded is deleted together with its
// index entry.
func (r *Registry) Unsubscribe(ctx context.Context, token, protected string) (UnsubscribeOutcome, string, error) {
	key, sub, err := r.Resolve(ctx, token)
	if errors.Is(err, ErrMalformed) {
		if err := r.kv.Delete(ctx, key); err != nil {
			return 0, "", fmt.Errorf("delete malformed subscriber: %w", err)
		}
		if err := r.kv.Delete(ctx, bulletin.UnsubIndexKey(strings.TrimSpace(token))); err != nil {
			return 0, "", fmt.Errorf("delete unsubscribe index: %w", err)
		}
		r.logger.Warn("Removed malformed subscriber record on unsubscribe", "key", key)
		return Removed, "", nil
	}
	if err != nil {
		return 0, "", err
	}

	if protected != "" && strings.EqualFold(strings.TrimSpace(sub.Email), strings.TrimSpace(protected)) {
		return Protected, sub.Email, nil
	}
	if sub.Disabled {
		return AlreadyUnsubscribed, sub.Email, nil
	}

	sub.Disabled = true
	if err := r.Save(ctx, key, sub); err != nil {
		return 0, "", err
	}
	r.logger.Info("Subscriber unsubscribed", "email", sub.Email)
	return Unsubscribed, sub.Email, nil
}
