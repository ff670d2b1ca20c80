package window

import (
	"context"
	"fmt"
	"time"

	"github.com/sgerhart/threatflux/internal/signatures"
	"github.com/sgerhart/threatflux/internal/store"
)

// Key identifies the origin of authentication attempts. Username is optional.
type Key struct {
	SourceIP string
	Username string
}

// Counter counts failed authentication attempts in a trailing window by re-querying the
// event store on every call. It keeps no state of its own, so its answers depend only on
// the persisted event log; concurrent attempts may both observe a count below threshold.
type Counter struct {
	events           store.EventStore
	match            []store.ActionStatus
	window           time.Duration
	threshold        int
	refineByUsername bool
}

// Result describes one brute-force evaluation
type Result struct {
	Key       Key           `json:"key"`
	Count     int           `json:"failed_attempts_in_window"`
	Window    time.Duration `json:"-"`
	Threshold int           `json:"threshold"`
	Fired     bool          `json:"fired"`
}

// NewCounter creates a counter over the given store
func NewCounter(events store.EventStore, cfg signatures.BruteForceConfig) *Counter {
	match := make([]store.ActionStatus, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		match = append(match, store.ActionStatus{Action: r.Action, StatusCode: r.StatusCode})
	}

	return &Counter{
		events:           events,
		match:            match,
		window:           time.Duration(cfg.WindowMinutes) * time.Minute,
		threshold:        cfg.Threshold,
		refineByUsername: cfg.RefineByUsername,
	}
}

// Window returns the configured window
func (c *Counter) Window() time.Duration { return c.window }

// Threshold returns the configured threshold
func (c *Counter) Threshold() int { return c.threshold }

// KeyFor builds the counting key for an attempt
func (c *Counter) KeyFor(sourceIP, username string) Key {
	k := Key{SourceIP: sourceIP}
	if c.refineByUsername {
		k.Username = username
	}
	return k
}

// CountRecentFailures counts stored failures for key with timestamps in [at-window, at]
func (c *Counter) CountRecentFailures(ctx context.Context, key Key, at time.Time, window time.Duration) (int, error) {
	if key.SourceIP == "" {
		return 0, nil
	}

	count, err := c.events.CountAuthFailures(ctx, store.FailureQuery{
		SourceIP: key.SourceIP,
		Username: key.Username,
		Match:    c.match,
		Since:    at.Add(-window),
		Until:    at,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count failures for %s: %w", key.SourceIP, err)
	}
	return count, nil
}

// IsBruteForce reports whether the failure count reaches threshold
func (c *Counter) IsBruteForce(ctx context.Context, key Key, at time.Time, window time.Duration, threshold int) (bool, int, error) {
	count, err := c.CountRecentFailures(ctx, key, at, window)
	if err != nil {
		return false, 0, err
	}
	return count >= threshold, count, nil
}

// Evaluate applies the configured window and threshold to an attempt at time at
func (c *Counter) Evaluate(ctx context.Context, key Key, at time.Time) (*Result, error) {
	fired, count, err := c.IsBruteForce(ctx, key, at, c.window, c.threshold)
	if err != nil {
		return nil, err
	}
	return &Result{
		Key:       key,
		Count:     count,
		Window:    c.window,
		Threshold: c.threshold,
		Fired:     fired,
	}, nil
}
