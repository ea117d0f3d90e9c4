package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"bulletin-notifier/pkg/bulletin"
	"bulletin-notifier/storage"

	"github.com/jonboulle/clockwork"
)

// StateStore is the storage the detector needs.
type StateStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
}

// Detection compares a fresh fingerprint with the stored one.
type Detection struct {
	SeenAt   time.Time
	Previous string
	Current  string
	Changed  bool
	// Baseline is set when there was no usable previous state.
	Baseline bool
}

// Detector tracks the last bulletin version seen.
type Detector struct {
	kv     StateStore
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewDetector creates a detector over kv.
func NewDetector(kv StateStore, clock clockwork.Clock, logger *slog.Logger) *Detector {
	return &Detector{kv: kv, clock: clock, logger: logger}
}

// Last returns the stored state, or nil if none exists or it cannot be decoded.
func (d *Detector) Last(ctx context.Context) (*bulletin.State, error) {
	raw, err := d.kv.Get(ctx, bulletin.StateKey)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bulletin state: %w", err)
	}

	var st bulletin.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.Fingerprint == "" {
		d.logger.Warn("Ignoring unreadable bulletin state", "error", err)
		return nil, nil
	}
	return &st, nil
}

// Observe compares fingerprint with the stored state and stores the new
// observation whether or not it changed.
func (d *Detector) Observe(ctx context.Context, fingerprint string) (Detection, error) {
	prev, err := d.Last(ctx)
	if err != nil {
		return Detection{}, err
	}

	det := Detection{Current: fingerprint, SeenAt: d.clock.Now().UTC()}
	if prev == nil {
		det.Baseline = true
	} else {
		det.Previous = prev.Fingerprint
		det.Changed = prev.Fingerprint != fingerprint
	}

	data, err := json.Marshal(bulletin.State{Fingerprint: fingerprint, SeenAt: det.SeenAt})
	if err != nil {
		return Detection{}, fmt.Errorf("marshal bulletin state: %w", err)
	}
	if err := d.kv.Put(ctx, bulletin.StateKey, string(data)); err != nil {
		return Detection{}, fmt.Errorf("store bulletin state: %w", err)
	}
	return det, nil
}
