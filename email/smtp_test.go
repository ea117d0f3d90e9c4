package email

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTP is a minimal SMTP server that accepts every message except those
// addressed to rejectRcpt.
type fakeSMTP struct {
	ln         net.Listener
	rejectRcpt string
	messages   []string
	rcpts      []string
	sessions   int
	mu         sync.Mutex
}

func startFakeSMTP(t *testing.T, rejectRcpt string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeSMTP{ln: ln, rejectRcpt: rejectRcpt}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn)
		}
	}()
	return s
}

func (s *fakeSMTP) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()

	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 localhost ESMTP test")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			_ = tp.PrintfLine("250-localhost")
			_ = tp.PrintfLine("250 8BITMIME")
		case "MAIL", "RSET", "NOOP":
			_ = tp.PrintfLine("250 OK")
		case "RCPT":
			if s.rejectRcpt != "" && strings.Contains(line, s.rejectRcpt) {
				_ = tp.PrintfLine("550 no such user")
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, line)
			s.mu.Unlock()
			_ = tp.PrintfLine("250 OK")
		case "DATA":
			_ = tp.PrintfLine("354 go ahead")
			data, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.messages = append(s.messages, string(data))
			s.mu.Unlock()
			_ = tp.PrintfLine("250 queued")
		case "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 not implemented")
		}
	}
}

func TestSMTPSessionReuse(t *testing.T) {
	server := startFakeSMTP(t, "bounce@example.com")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	transport, err := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: server.port(), StartTLS: true}, logger)
	require.NoError(t, err)
	assert.Equal(t, "smtp", transport.Name())

	ctx := context.Background()
	session, err := transport.Connect(ctx)
	require.NoError(t, err)

	msg := func(to string) *Message {
		return &Message{From: "Bulletins <bot@example.com>", To: to, Subject: "New bulletin", Text: "text\n", HTML: "<p>html</p>"}
	}

	require.NoError(t, session.Send(ctx, msg("a@example.com")))
	err = session.Send(ctx, msg("bounce@example.com"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rcpt to")
	require.NoError(t, session.Send(ctx, msg("b@example.com")))
	require.NoError(t, session.Close())

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, 1, server.sessions)
	require.Len(t, server.messages, 2)
	assert.Equal(t, []string{"RCPT TO:<a@example.com>", "RCPT TO:<b@example.com>"}, server.rcpts)
	assert.Contains(t, server.messages[0], "Subject: New bulletin")
	assert.Contains(t, server.messages[0], "multipart/alternative")
}

func TestSMTPConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	transport, err := NewSMTP(SMTPConfig{Host: "127.0.0.1", Port: port}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	_, err = transport.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial smtp")
}

func TestNewSMTPDefaults(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewSMTP(SMTPConfig{}, logger)
	assert.Error(t, err)

	s, err := NewSMTP(SMTPConfig{Host: "smtp.example.com"}, logger)
	require.NoError(t, err)
	assert.Equal(t, 587, s.cfg.Port)
	assert.False(t, s.cfg.Secure)

	s, err = NewSMTP(SMTPConfig{Host: "smtp.example.com", Port: 465}, logger)
	require.NoError(t, err)
	assert.True(t, s.cfg.Secure)
}

func TestLoginAuth(t *testing.T) {
	a := &loginAuth{username: "user", password: "secret"}

	_, _, err := a.Start(&smtp.ServerInfo{Name: "smtp.example.com"})
	assert.Error(t, err, "refuses to send credentials in the clear")

	proto, _, err := a.Start(&smtp.ServerInfo{Name: "smtp.example.com", TLS: true})
	require.NoError(t, err)
	assert.Equal(t, "LOGIN", proto)

	resp, err := a.Next([]byte("Username:"), true)
	require.NoError(t, err)
	assert.Equal(t, "user", string(resp))
	resp, err = a.Next([]byte("Password:"), true)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(resp))
	_, err = a.Next([]byte("Other:"), true)
	assert.Error(t, err)
}
