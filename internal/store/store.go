package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sgerhart/threatflux/internal/model"
)

var (
	// ErrDuplicate is returned when an event ID or threat detection ID is already stored
	ErrDuplicate = errors.New("duplicate id")
	// ErrNotFound is returned when an event does not exist
	ErrNotFound = errors.New("not found")
)

// ActionStatus selects authentication failures by action name and response status.
// StatusCode 0 matches any status.
type ActionStatus struct {
	Action     string
	StatusCode int
}

// FailureQuery selects stored authentication failures for one key inside [Since, Until]
type FailureQuery struct {
	SourceIP string
	Username string
	Match    []ActionStatus
	Since    time.Time
	Until    time.Time
}

// EventStore persists raw events
type EventStore interface {
	SaveEvent(ctx context.Context, ev *model.Event) error
	UpdateDetectionStatus(ctx context.Context, id, status string) error
	CountAuthFailures(ctx context.Context, q FailureQuery) (int, error)
	// NetworkEvents returns network events with timestamps in [since, until], newest first
	NetworkEvents(ctx context.Context, since, until time.Time, limit int) ([]*model.Event, error)
	RecentEvents(ctx context.Context, kind model.EventKind, limit int) ([]*model.Event, error)
}

// ThreatStore persists verdicts
type ThreatStore interface {
	SaveThreat(ctx context.Context, threat *model.DetectedThreat) error
	RecentThreats(ctx context.Context, limit int) ([]*model.DetectedThreat, error)
	Counts(ctx context.Context) (model.ThreatCounts, error)
}

// Store is the full persistence port
type Store interface {
	EventStore
	ThreatStore
	Health(ctx context.Context) error
	Close() error
}

// matchesFailure applies FailureQuery semantics to one event
func matchesFailure(ev *model.Event, q FailureQuery) bool {
	n := ev.Network
	if ev.Kind != model.KindNetwork || n == nil {
		return false
	}
	if n.SourceIP != q.SourceIP {
		return false
	}
	if q.Username != "" && n.Username != q.Username {
		return false
	}
	if ev.Timestamp.Before(q.Since) || ev.Timestamp.After(q.Until) {
		return false
	}
	for _, m := range q.Match {
		if !strings.EqualFold(m.Action, n.Action) {
			continue
		}
		if m.StatusCode == 0 {
			return true
		}
		if n.ResponseStatusCode != nil && *n.ResponseStatusCode == m.StatusCode {
			return true
		}
	}
	return false
}

// tally folds one threat into the dashboard counts
func tally(c *model.ThreatCounts, t *model.DetectedThreat) {
	switch {
	case t.SourceType == model.SourceNetwork:
		c.TotalNetworkThreats++
	case t.SourceType == model.SourceSMS:
		c.TotalSMSThreats++
	case strings.HasPrefix(t.SourceType, model.SourceEmail):
		c.TotalEmailThreats++
	}
	if strings.Contains(t.ThreatType, "suspicious_ip") {
		c.SuspiciousIPAttempts++
	}
	if strings.Contains(t.ThreatType, "brute_force") {
		c.BruteForceAttacks++
	}
	if strings.Contains(t.ThreatType, "malware") || strings.Contains(t.SourceType, "attachment") {
		c.MalwareDetections++
	}
	if t.Status == model.ThreatStatusPending {
		c.PendingThreats++
	}
}

// tallyEvent folds one raw event into the dashboard counts
func tallyEvent(c *model.ThreatCounts, ev *model.Event) {
	spam := strings.Contains(ev.DetectionStatus, "spam")
	switch ev.Kind {
	case model.KindEmail:
		c.TotalEmailsReceived++
		if spam {
			c.SpamEmailsDetected++
		}
	case model.KindSMS:
		c.TotalSMSReceived++
		if spam {
			c.SMSSpamDetected++
		}
	}
}
