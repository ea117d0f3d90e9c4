package email

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMIME(t *testing.T) {
	msg := &Message{
		From:    "Bulletins <bot@example.com>",
		To:      "reader@example.com\r\nBcc: victim@example.com",
		Subject: "New AFDBRO (Brownsville) bulletin – update",
		Text:    "plain body with a very long line " + strings.Repeat("x", 120) + "\n",
		HTML:    "<div>html body</div>",
	}
	date := time.Date(2025, 10, 18, 11, 36, 0, 0, time.UTC)

	raw, err := buildMIME(msg, date)
	require.NoError(t, err)

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "reader@example.comBcc: victim@example.com", parsed.Header.Get("To"))
	assert.Empty(t, parsed.Header.Get("Bcc"))
	assert.Equal(t, "Bulletins <bot@example.com>", parsed.Header.Get("From"))

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(parsed.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, msg.Subject, subject)

	got, err := parsed.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(got))

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/alternative", mediaType)

	mr := multipart.NewReader(parsed.Body, params["boundary"])
	var bodies []string
	var types []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(part)
		require.NoError(t, err)
		bodies = append(bodies, string(b))
		types = append(types, part.Header.Get("Content-Type"))
	}

	require.Len(t, bodies, 2)
	assert.Equal(t, []string{"text/plain; charset=utf-8", "text/html; charset=utf-8"}, types)
	assert.Equal(t, msg.Text, bodies[0])
	assert.Equal(t, msg.HTML, bodies[1])
}

func TestBuildMIMESkipsEmptyParts(t *testing.T) {
	raw, err := buildMIME(&Message{To: "a@b.c", Subject: "s", Text: "only text"}, time.Now())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "text/html")
	assert.NotContains(t, string(raw), "From:")
}

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "bot@example.com", want: "bot@example.com"},
		{in: "Bulletins <bot@example.com>", want: "bot@example.com"},
		{in: "  bot@example.com ", want: "bot@example.com"},
		{in: "broken <bot@example.com", want: "broken <bot@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, extractAddress(tt.in))
		})
	}
}
