package email

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage() *Message {
	return &Message{
		From:    "Bulletins <bot@example.com>",
		To:      "reader@example.com",
		Subject: "New AFDBRO (Brownsville) bulletin",
		Text:    "text body\n",
		HTML:    "<div>html body</div>",
	}
}

func TestBrevoSend(t *testing.T) {
	var got brevoSendRequest
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := NewBrevo("key-123", "Weather Bot", srv.URL, discardLogger())
	session, err := b.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.Send(context.Background(), testMessage()))
	require.NoError(t, session.Close())

	assert.Equal(t, "key-123", apiKey)
	assert.Equal(t, "bot@example.com", got.Sender.Email)
	assert.Equal(t, "Weather Bot", got.Sender.Name)
	require.Len(t, got.To, 1)
	assert.Equal(t, "reader@example.com", got.To[0].Email)
	assert.Equal(t, "text body\n", got.Text)
	assert.Equal(t, "<div>html body</div>", got.HTML)
}

func TestBrevoClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := NewBrevo("key", "", srv.URL, discardLogger())
	session, err := b.Connect(context.Background())
	require.NoError(t, err)
	err = session.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.EqualValues(t, 1, calls.Load())
}

type fakeSES struct {
	err   error
	input *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESSend(t *testing.T) {
	fake := &fakeSES{}
	s := NewSESWithClient(fake, discardLogger())
	assert.Equal(t, "ses", s.Name())

	session, err := s.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.Send(context.Background(), testMessage()))

	require.NotNil(t, fake.input)
	assert.Equal(t, "Bulletins <bot@example.com>", aws.ToString(fake.input.FromEmailAddress))
	assert.Equal(t, []string{"reader@example.com"}, fake.input.Destination.ToAddresses)
	assert.Equal(t, "New AFDBRO (Brownsville) bulletin", aws.ToString(fake.input.Content.Simple.Subject.Data))
	assert.Equal(t, "<div>html body</div>", aws.ToString(fake.input.Content.Simple.Body.Html.Data))
	assert.Equal(t, "text body\n", aws.ToString(fake.input.Content.Simple.Body.Text.Data))
}

func TestSESSendContextCanceled(t *testing.T) {
	fake := &fakeSES{err: errors.New("throttled")}
	s := NewSESWithClient(fake, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session, err := s.Connect(ctx)
	require.NoError(t, err)
	assert.Error(t, session.Send(ctx, testMessage()))
}

func TestMockRecords(t *testing.T) {
	m := NewMock(discardLogger())
	session, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.Send(context.Background(), testMessage()))
	require.NoError(t, session.Close())

	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "reader@example.com", sent[0].To)
	assert.Equal(t, 1, m.Connects())
}

func TestSanitizeHeader(t *testing.T) {
	assert.Equal(t, "SubjectBcc: x", sanitizeHeader("Subject\r\nBcc: x"))
	assert.Equal(t, "Température", sanitizeHeader("Température\x00"))
}
