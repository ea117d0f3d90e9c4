// Package schedule runs the bulletin check on a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bulletin-notifier/pkg/bulletin"

	"github.com/robfig/cron/v3"
)

// ErrDisabled is returned by Start when no cron expression is configured.
var ErrDisabled = errors.New("scheduler disabled")

// Checker performs one check pass.
type Checker interface {
	PerformCheck(ctx context.Context, opts bulletin.CheckOptions) bulletin.CheckResult
}

// Scheduler triggers a Checker on a cron schedule.
type Scheduler struct {
	checker Checker
	logger  *slog.Logger
	spec    string
	timeout time.Duration
	parser  cron.Parser

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
}

// New creates a scheduler. An empty spec yields a scheduler whose Start
// returns ErrDisabled.
func New(checker Checker, spec string, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		checker: checker,
		logger:  logger,
		spec:    spec,
		timeout: timeout,
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate reports whether spec parses.
func (s *Scheduler) Validate() error {
	if s.spec == "" {
		return nil
	}
	if _, err := s.parser.Parse(s.spec); err != nil {
		return fmt.Errorf("parse schedule %q: %w", s.spec, err)
	}
	return nil
}

// Start registers the check and starts the cron loop. Runs derive their
// context from ctx, so cancelling it aborts an in-flight pass.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.spec == "" {
		s.logger.Info("Scheduler disabled, no schedule configured")
		return ErrDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.spec, func() { s.run(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("register schedule %q: %w", s.spec, err)
	}

	s.c = c
	s.cancel = cancel
	c.Start()
	s.logger.Info("Scheduler started", "spec", s.spec, "timeout", s.timeout.String())
	return nil
}

// Stop halts the cron loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	s.cancel()
	<-s.c.Stop().Done()
	s.c = nil
	s.cancel = nil
	s.logger.Info("Scheduler stopped")
}

// Next returns the next scheduled run, or the zero time when not started.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) run(ctx context.Context) bulletin.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res := s.checker.PerformCheck(ctx, bulletin.CheckOptions{})

	attrs := []any{
		"changed", res.Changed,
		"notified", res.Notified,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if res.Fingerprint != "" {
		attrs = append(attrs, "fingerprint", res.Fingerprint)
	}
	if res.NotifiedCount != nil {
		attrs = append(attrs, "notified_count", *res.NotifiedCount)
	}
	if res.SendError != "" {
		attrs = append(attrs, "send_error", res.SendError)
	}

	if res.Error != "" {
		s.logger.Error("Scheduled check failed", append(attrs, "error", res.Error)...)
		return res
	}
	s.logger.Info("Scheduled check completed", attrs...)
	return res
}
