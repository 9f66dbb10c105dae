// Package liveness derives a node's health from the time of its most recent event.
//
// Status is computed on read from last_seen and the current clock, so a node
// that stops publishing degrades from online to warning to offline without
// any timer or background goroutine. The only write is Observe, which moves
// last_seen forward.
package liveness

import (
	"context"
	"fmt"
	"time"
)

// Status is the derived health of a node.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusWarning Status = "warning"
	StatusOffline Status = "offline"
)

// Statuses lists every status in severity order.
var Statuses = []Status{StatusUnknown, StatusOnline, StatusWarning, StatusOffline}

const (
	DefaultFreshnessWindow   = 30 * time.Second
	DefaultWarningMultiplier = 3.0
)

// Recorder persists a node's last observed event time.
// db.Store and db.MemoryStore satisfy it.
type Recorder interface {
	TouchNode(ctx context.Context, nodeID string, seenAt time.Time) error
}

// Config holds the thresholds used by Evaluate.
type Config struct {
	// FreshnessWindow is the age below which a node is online.
	FreshnessWindow time.Duration
	// WarningMultiplier scales FreshnessWindow to the offline threshold. Must be > 1.
	WarningMultiplier float64
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow:   DefaultFreshnessWindow,
		WarningMultiplier: DefaultWarningMultiplier,
	}
}

// Validate checks that the thresholds describe a usable state machine.
func (c Config) Validate() error {
	if c.FreshnessWindow <= 0 {
		return fmt.Errorf("freshness window must be positive, got %v", c.FreshnessWindow)
	}
	if c.WarningMultiplier <= 1 {
		return fmt.Errorf("warning multiplier must be greater than 1, got %v", c.WarningMultiplier)
	}
	return nil
}

// Tracker evaluates and records node liveness. It holds no per-node state
// and is safe for concurrent use.
type Tracker struct {
	cfg      Config
	offline  time.Duration
	now      func() time.Time
	recorder Recorder
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker. recorder may be nil for a read-only tracker,
// in which case Observe returns an error.
func NewTracker(cfg Config, recorder Recorder, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid liveness config: %w", err)
	}
	t := &Tracker{
		cfg:      cfg,
		offline:  time.Duration(float64(cfg.FreshnessWindow) * cfg.WarningMultiplier),
		now:      time.Now,
		recorder: recorder,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Config returns the tracker's thresholds.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Evaluate returns the status for a node last seen at lastSeen.
// A nil lastSeen means the node has never produced an event.
// A lastSeen in the future (producer clock ahead of ours) counts as online.
func (t *Tracker) Evaluate(lastSeen *time.Time) Status {
	if lastSeen == nil {
		return StatusUnknown
	}
	return t.evaluateElapsed(t.now().Sub(*lastSeen))
}

func (t *Tracker) evaluateElapsed(elapsed time.Duration) Status {
	switch {
	case elapsed < t.cfg.FreshnessWindow:
		return StatusOnline
	case elapsed < t.offline:
		return StatusWarning
	default:
		return StatusOffline
	}
}

// Observe records that nodeID produced an event at the given time. The
// recorder keeps the later of the stored and supplied times, so out-of-order
// observations never move last_seen backwards.
func (t *Tracker) Observe(ctx context.Context, nodeID string, at time.Time) error {
	if t.recorder == nil {
		return fmt.Errorf("observe %s: tracker has no recorder", nodeID)
	}
	if err := t.recorder.TouchNode(ctx, nodeID, at); err != nil {
		return fmt.Errorf("observe %s: %w", nodeID, err)
	}
	return nil
}
