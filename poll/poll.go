// Package poll detects new bulletin versions and drives delivery to subscribers.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"bulletin-notifier/metrics"
	"bulletin-notifier/pkg/bulletin"
	"bulletin-notifier/upstream"

	"github.com/jonboulle/clockwork"
)

// Fetcher retrieves the raw bulletin.
type Fetcher interface {
	Fetch(ctx context.Context) (*upstream.Response, error)
	URL() string
}

// Canonical is a normalized bulletin straight from the upstream.
type Canonical struct {
	Text        string
	Fingerprint string
	Status      int
}

// Monitor runs check passes. Passes within one process never overlap.
type Monitor struct {
	fetcher    Fetcher
	detector   *Detector
	dispatcher *Dispatcher
	clock      clockwork.Clock
	logger     *slog.Logger
	mu         sync.Mutex
}

// New creates a monitor.
func New(fetcher Fetcher, detector *Detector, dispatcher *Dispatcher, clock clockwork.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		fetcher:    fetcher,
		detector:   detector,
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logger,
	}
}

// SourceURL is the upstream being polled.
func (m *Monitor) SourceURL() string {
	return m.fetcher.URL()
}

// Via names the mail transport.
func (m *Monitor) Via() string {
	return m.dispatcher.Via()
}

// DefaultRecipient is the protected address.
func (m *Monitor) DefaultRecipient() string {
	return m.dispatcher.DefaultRecipient()
}

// Last returns the stored bulletin state, or nil before the first check.
func (m *Monitor) Last(ctx context.Context) (*bulletin.State, error) {
	return m.detector.Last(ctx)
}

// Latest fetches and normalizes the current bulletin without touching state.
func (m *Monitor) Latest(ctx context.Context) (*Canonical, error) {
	resp, err := m.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	text := bulletin.Normalize(strings.TrimSpace(resp.Text))
	return &Canonical{Text: text, Fingerprint: bulletin.Fingerprint(text), Status: resp.Status}, nil
}

// SendLatest delivers the current bulletin to one address regardless of
// whether it changed.
func (m *Monitor) SendLatest(ctx context.Context, to string) (*Canonical, error) {
	c, err := m.Latest(ctx)
	if err != nil {
		return nil, err
	}
	return c, m.dispatcher.SendOne(ctx, to, c.Text)
}

// PerformCheck runs one full pass: fetch, normalize, fingerprint, compare,
// persist and dispatch. Failures are reported in the result, never returned.
func (m *Monitor) PerformCheck(ctx context.Context, opts bulletin.CheckOptions) bulletin.CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := bulletin.CheckResult{SourceURL: m.fetcher.URL(), CheckedAt: m.clock.Now().UTC()}

	c, err := m.Latest(ctx)
	if err != nil {
		describeFetchError(err, &res)
		m.logger.Warn("Bulletin check failed", "url", res.SourceURL, "error", err, "upstream_status", res.UpstreamStatus)
		return res
	}
	res.UpstreamStatus = c.Status
	res.Fingerprint = c.Fingerprint
	if opts.IncludeCanonicalText {
		res.CanonicalText = c.Text
	}

	det, err := m.detector.Observe(ctx, c.Fingerprint)
	if err != nil {
		res.Error = err.Error()
		metrics.RecordCheck(metrics.CheckStoreError)
		m.logger.Error("Failed to record bulletin state", "error", err)
		return res
	}
	metrics.RecordSeen(det.SeenAt)
	res.Changed = det.Changed
	res.Baseline = det.Baseline
	res.PreviousFingerprint = det.Previous

	if det.Baseline {
		m.dispatcher.EnsureDefaultRecipient(ctx, c.Fingerprint)
		metrics.RecordCheck(metrics.CheckBaseline)
		m.logger.Info("Bulletin baseline recorded", "fingerprint", c.Fingerprint)
		return res
	}

	if det.Changed {
		metrics.RecordCheck(metrics.CheckChanged)
		m.logger.Info("Bulletin changed", "previous", det.Previous, "fingerprint", c.Fingerprint)
	} else {
		metrics.RecordCheck(metrics.CheckUnchanged)
	}

	sum := m.dispatcher.Dispatch(ctx, Bulletin{Fingerprint: c.Fingerprint, Previous: det.Previous, Text: c.Text})
	res.AttemptedCount = &sum.Attempted
	res.NotifiedCount = &sum.Notified
	res.SkippedMalformedCount = &sum.SkippedMalformed
	res.Notified = sum.Notified > 0
	res.SendError = sum.SendError
	return res
}

func describeFetchError(err error, res *bulletin.CheckResult) {
	var empty *upstream.EmptyResponseError
	if se, ok := upstream.AsStatusError(err); ok {
		res.UpstreamStatus = se.Status
		metrics.RecordCheck(metrics.CheckUpstreamError)
	} else if errors.As(err, &empty) {
		res.UpstreamStatus = empty.Status
		metrics.RecordCheck(metrics.CheckEmpty)
	} else {
		metrics.RecordCheck(metrics.CheckTransport)
	}
	res.Error = err.Error()
}
