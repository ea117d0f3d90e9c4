package bulletin

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidAddress(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{email: "user@example.com", want: true},
		{email: "  user@example.com  ", want: true},
		{email: "", want: false},
		{email: "   ", want: false},
		{email: "no-at-sign", want: false},
		{email: strings.Repeat("a", 250) + "@b.co", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidAddress(tt.email))
		})
	}
}

func TestSubscriberKey(t *testing.T) {
	key := SubscriberKey("  User@Example.COM ")
	assert.Equal(t, SubscriberKey("user@example.com"), key)
	assert.True(t, strings.HasPrefix(key, SubscriberPrefix))
	assert.Len(t, strings.TrimPrefix(key, SubscriberPrefix), 64)
	assert.NotEqual(t, key, SubscriberKey("other@example.com"))
}

func TestCaughtUp(t *testing.T) {
	s := &Subscriber{Email: "a@b.c"}
	assert.False(t, s.CaughtUp(""))
	assert.False(t, s.CaughtUp("abc"))
	s.LastSentHash = "abc"
	assert.True(t, s.CaughtUp("abc"))
	assert.False(t, s.CaughtUp("def"))
}
