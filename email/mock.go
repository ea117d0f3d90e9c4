package email

import (
	"context"
	"log/slog"
	"sync"
)

// Mock records messages instead of sending them. It is used for local
// development and in tests.
type Mock struct {
	logger   *slog.Logger
	sent     []Message
	connects int
	mu       sync.Mutex
}

// NewMock creates a mock transport.
func NewMock(logger *slog.Logger) *Mock {
	return &Mock{logger: logger}
}

// Name implements Transport.
func (m *Mock) Name() string { return "mock" }

// Connect implements Transport.
func (m *Mock) Connect(context.Context) (Session, error) {
	m.mu.Lock()
	m.connects++
	m.mu.Unlock()
	return funcSession(m.send), nil
}

func (m *Mock) send(_ context.Context, msg *Message) error {
	m.logger.Info("MOCK EMAIL",
		"to", msg.To,
		"subject", msg.Subject,
		"text_length", len(msg.Text),
		"html_length", len(msg.HTML))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *msg)
	return nil
}

// Sent returns a copy of every message recorded so far.
func (m *Mock) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// Connects reports how many sessions were opened.
func (m *Mock) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}
