package liveness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingRecorder struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	err      error
}

func (r *recordingRecorder) TouchNode(ctx context.Context, nodeID string, seenAt time.Time) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSeen == nil {
		r.lastSeen = make(map[string]time.Time)
	}
	if prev, ok := r.lastSeen[nodeID]; !ok || seenAt.After(prev) {
		r.lastSeen[nodeID] = seenAt
	}
	return nil
}

func (r *recordingRecorder) get(nodeID string) *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastSeen[nodeID]
	if !ok {
		return nil
	}
	return &t
}

func newTestTracker(t *testing.T, cfg Config, rec Recorder) (*Tracker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	tr, err := NewTracker(cfg, rec, WithClock(clock.Now))
	require.NoError(t, err)
	return tr, clock
}

func TestEvaluate(t *testing.T) {
	tr, clock := newTestTracker(t, Config{FreshnessWindow: 5 * time.Second, WarningMultiplier: 2}, nil)
	now := clock.Now()

	tests := []struct {
		name     string
		lastSeen *time.Time
		want     Status
	}{
		{name: "never seen", lastSeen: nil, want: StatusUnknown},
		{name: "just now", lastSeen: ptr(now), want: StatusOnline},
		{name: "inside window", lastSeen: ptr(now.Add(-4 * time.Second)), want: StatusOnline},
		{name: "at window edge", lastSeen: ptr(now.Add(-5 * time.Second)), want: StatusWarning},
		{name: "inside warning band", lastSeen: ptr(now.Add(-9 * time.Second)), want: StatusWarning},
		{name: "at offline edge", lastSeen: ptr(now.Add(-10 * time.Second)), want: StatusOffline},
		{name: "twelve seconds silent", lastSeen: ptr(now.Add(-12 * time.Second)), want: StatusOffline},
		{name: "future timestamp", lastSeen: ptr(now.Add(time.Minute)), want: StatusOnline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Evaluate(tt.lastSeen))
		})
	}
}

func TestEvaluateIsMonotone(t *testing.T) {
	tr, clock := newTestTracker(t, DefaultConfig(), nil)
	lastSeen := clock.Now()

	rank := map[Status]int{StatusOnline: 0, StatusWarning: 1, StatusOffline: 2}
	prev := rank[tr.Evaluate(&lastSeen)]
	for i := 0; i < 200; i++ {
		clock.Advance(time.Second)
		cur := rank[tr.Evaluate(&lastSeen)]
		require.GreaterOrEqual(t, cur, prev, "status improved after %d s without events", i+1)
		prev = cur
	}
	assert.Equal(t, rank[StatusOffline], prev)
}

func TestObserveResetsToOnline(t *testing.T) {
	rec := &recordingRecorder{}
	tr, clock := newTestTracker(t, Config{FreshnessWindow: 5 * time.Second, WarningMultiplier: 2}, rec)
	ctx := context.Background()

	require.NoError(t, tr.Observe(ctx, "N1", clock.Now()))
	clock.Advance(12 * time.Second)
	assert.Equal(t, StatusOffline, tr.Evaluate(rec.get("N1")))

	require.NoError(t, tr.Observe(ctx, "N1", clock.Now()))
	assert.Equal(t, StatusOnline, tr.Evaluate(rec.get("N1")))
}

func TestObserveOutOfOrderKeepsLatest(t *testing.T) {
	rec := &recordingRecorder{}
	tr, clock := newTestTracker(t, DefaultConfig(), rec)
	ctx := context.Background()

	late := clock.Now()
	early := late.Add(-time.Minute)
	require.NoError(t, tr.Observe(ctx, "N1", late))
	require.NoError(t, tr.Observe(ctx, "N1", early))

	assert.Equal(t, late, *rec.get("N1"))
	assert.Equal(t, StatusOnline, tr.Evaluate(rec.get("N1")))
}

func TestObserveErrors(t *testing.T) {
	tr, clock := newTestTracker(t, DefaultConfig(), nil)
	assert.Error(t, tr.Observe(context.Background(), "N1", clock.Now()))

	boom := errors.New("connection reset")
	tr, clock = newTestTracker(t, DefaultConfig(), &recordingRecorder{err: boom})
	err := tr.Observe(context.Background(), "N1", clock.Now())
	assert.ErrorIs(t, err, boom)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{FreshnessWindow: 0, WarningMultiplier: 3}.Validate())
	assert.Error(t, Config{FreshnessWindow: time.Second, WarningMultiplier: 1}.Validate())

	_, err := NewTracker(Config{FreshnessWindow: time.Second, WarningMultiplier: 0.5}, nil)
	assert.Error(t, err)
}

func ptr(t time.Time) *time.Time { return &t }
