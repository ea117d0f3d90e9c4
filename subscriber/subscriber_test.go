package subscriber

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"bulletin-notifier/pkg/bulletin"
	"bulletin-notifier/storage"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) (*Registry, *storage.Memory) {
	t.Helper()
	kv := storage.NewMemory(10)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(kv, clockwork.NewFakeClockAt(testNow), logger), kv
}

func TestSubscribeLifecycle(t *testing.T) {
	ctx := context.Background()
	r, kv := newRegistry(t)

	outcome, sub, err := r.Subscribe(ctx, "  Reader@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, Subscribed, outcome)
	assert.Equal(t, "reader@example.com", sub.Email)
	assert.Equal(t, testNow, sub.CreatedAt)
	require.NotEmpty(t, sub.UnsubToken)

	key := Key("reader@example.com")
	idx, err := kv.Get(ctx, bulletin.UnsubIndexKey(sub.UnsubToken))
	require.NoError(t, err)
	assert.Equal(t, key, idx)

	stored, err := r.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, sub.UnsubToken, stored.UnsubToken)

	outcome, again, err := r.Subscribe(ctx, "reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, AlreadySubscribed, outcome)
	assert.Equal(t, sub.UnsubToken, again.UnsubToken)

	uoutcome, email, err := r.Unsubscribe(ctx, sub.UnsubToken, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, Unsubscribed, uoutcome)
	assert.Equal(t, "reader@example.com", email)

	stored, err = r.Load(ctx, key)
	require.NoError(t, err)
	assert.True(t, stored.Disabled)

	uoutcome, _, err = r.Unsubscribe(ctx, sub.UnsubToken, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, AlreadyUnsubscribed, uoutcome)

	outcome, back, err := r.Subscribe(ctx, "READER@example.com")
	require.NoError(t, err)
	assert.Equal(t, Reactivated, outcome)
	assert.False(t, back.Disabled)
	assert.Equal(t, sub.UnsubToken, back.UnsubToken, "reactivation keeps the token")
}

func TestSubscribeInvalidEmail(t *testing.T) {
	r, _ := newRegistry(t)
	for _, email := range []string{"", "   ", "nobody", strings.Repeat("x", 255) + "@a.b"} {
		_, _, err := r.Subscribe(context.Background(), email)
		assert.ErrorIs(t, err, ErrInvalidEmail, "email %q", email)
	}
}

func TestUnsubscribeUnknownToken(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	tests := []struct {
		name  string
		token string
	}{
		{name: "not a token", token: "does-not-exist"},
		{name: "empty", token: ""},
		{name: "well formed but unknown", token: "0b7c4b34-0ef7-4c5e-9f8a-6f6d2b7b9f10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := r.Unsubscribe(ctx, tt.token, "")
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestUnsubscribeStaleToken(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	_, sub, err := r.Subscribe(ctx, "reader@example.com")
	require.NoError(t, err)
	oldToken := sub.UnsubToken

	// The record moves to a new token; the old index entry remains.
	key := Key(sub.Email)
	sub.UnsubToken = ""
	require.NoError(t, r.Save(ctx, key, sub))
	require.NoError(t, r.EnsureToken(ctx, key, sub))
	require.NotEqual(t, oldToken, sub.UnsubToken)

	_, _, err = r.Unsubscribe(ctx, oldToken, "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	outcome, _, err := r.Unsubscribe(ctx, sub.UnsubToken, "")
	require.NoError(t, err)
	assert.Equal(t, Unsubscribed, outcome)
}

func TestUnsubscribeProtectedRecipient(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	sub, err := r.EnsureActive(ctx, "owner@example.com", "seed")
	require.NoError(t, err)

	outcome, _, err := r.Unsubscribe(ctx, sub.UnsubToken, "OWNER@example.com")
	require.NoError(t, err)
	assert.Equal(t, Protected, outcome)

	stored, err := r.Load(ctx, Key("owner@example.com"))
	require.NoError(t, err)
	assert.False(t, stored.Disabled)
}

func TestUnsubscribeMalformedRecord(t *testing.T) {
	ctx := context.Background()
	r, kv := newRegistry(t)

	_, sub, err := r.Subscribe(ctx, "reader@example.com")
	require.NoError(t, err)
	key := Key("reader@example.com")
	require.NoError(t, kv.Put(ctx, key, "{not json"))

	outcome, _, err := r.Unsubscribe(ctx, sub.UnsubToken, "")
	require.NoError(t, err)
	assert.Equal(t, Removed, outcome)

	_, err = kv.Get(ctx, key)
	assert.True(t, storage.IsNotFound(err))
	_, err = kv.Get(ctx, bulletin.UnsubIndexKey(sub.UnsubToken))
	assert.True(t, storage.IsNotFound(err))
}

func TestLoadMalformed(t *testing.T) {
	ctx := context.Background()
	r, kv := newRegistry(t)

	require.NoError(t, kv.Put(ctx, "SUBSCRIBER:bad", "]["))
	_, err := r.Load(ctx, "SUBSCRIBER:bad")
	assert.ErrorIs(t, err, ErrMalformed)

	require.NoError(t, kv.Put(ctx, "SUBSCRIBER:noemail", `{"disabled":false}`))
	_, err = r.Load(ctx, "SUBSCRIBER:noemail")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = r.Load(ctx, "SUBSCRIBER:missing")
	assert.True(t, storage.IsNotFound(err))
}

func TestEnsureTokenRepairsIndex(t *testing.T) {
	ctx := context.Background()
	r, kv := newRegistry(t)

	_, sub, err := r.Subscribe(ctx, "reader@example.com")
	require.NoError(t, err)
	idx := bulletin.UnsubIndexKey(sub.UnsubToken)
	require.NoError(t, kv.Delete(ctx, idx))

	require.NoError(t, r.EnsureToken(ctx, Key(sub.Email), sub))
	got, err := kv.Get(ctx, idx)
	require.NoError(t, err)
	assert.Equal(t, Key(sub.Email), got)
}

func TestEnsureActive(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	key := Key("owner@example.com")

	sub, err := r.EnsureActive(ctx, "Owner@Example.com", "prev-hash")
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", sub.Email)
	assert.Equal(t, "prev-hash", sub.LastSentHash)
	assert.NotEmpty(t, sub.UnsubToken)

	// Existing records keep their progress.
	require.NoError(t, r.MarkSent(ctx, key, sub, "current-hash"))
	sub, err = r.EnsureActive(ctx, "owner@example.com", "other")
	require.NoError(t, err)
	assert.Equal(t, "current-hash", sub.LastSentHash)
	require.NotNil(t, sub.LastSentAt)
	assert.Equal(t, testNow, *sub.LastSentAt)

	sub.Disabled = true
	require.NoError(t, r.Save(ctx, key, sub))
	sub, err = r.EnsureActive(ctx, "owner@example.com", "other")
	require.NoError(t, err)
	assert.False(t, sub.Disabled)

	stored, err := r.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, stored.Disabled)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	r, kv := newRegistry(t)

	for _, email := range []string{"a@example.com", "b@example.com"} {
		_, _, err := r.Subscribe(ctx, email)
		require.NoError(t, err)
	}
	require.NoError(t, kv.Put(ctx, bulletin.StateKey, "{}"))

	page, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{Key("a@example.com"), Key("b@example.com")}, page.Keys)
}

func TestMarkSentKeepsConcurrentUnsubscribe(t *testing.T) {
	ctx := context.Background()
	r, kv := newRegistry(t)

	_, sub, err := r.Subscribe(ctx, "reader@example.com")
	require.NoError(t, err)
	key := Key(sub.Email)

	// sub is now a stale copy held across a send.
	_, _, err = r.Unsubscribe(ctx, sub.UnsubToken, "")
	require.NoError(t, err)
	require.False(t, sub.Disabled)

	require.NoError(t, r.MarkSent(ctx, key, sub, "hash-1"))

	stored, err := r.Load(ctx, key)
	require.NoError(t, err)
	assert.True(t, stored.Disabled)
	assert.Equal(t, "hash-1", stored.LastSentHash)
	assert.True(t, sub.Disabled, "caller copy refreshed from the store")

	// A record removed in the meantime is not recreated.
	require.NoError(t, kv.Delete(ctx, key))
	require.NoError(t, r.MarkSent(ctx, key, sub, "hash-2"))
	_, err = kv.Get(ctx, key)
	assert.True(t, storage.IsNotFound(err))
}

func TestEnsureTokenKeepsConcurrentChanges(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	key := Key("reader@example.com")

	stale := &bulletin.Subscriber{Email: "reader@example.com", CreatedAt: testNow}
	fresh := *stale
	fresh.Disabled = true
	require.NoError(t, r.Save(ctx, key, &fresh))

	require.NoError(t, r.EnsureToken(ctx, key, stale))
	require.NotEmpty(t, stale.UnsubToken)

	stored, err := r.Load(ctx, key)
	require.NoError(t, err)
	assert.True(t, stored.Disabled)
	assert.Equal(t, stale.UnsubToken, stored.UnsubToken)
}
