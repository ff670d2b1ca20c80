package store

import (
	"container/ring"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/sgerhart/threatflux/internal/model"
)

// MemoryStore provides thread-safe storage for events and threats with ring buffers and
// LRU deduplication of detection IDs
type MemoryStore struct {
	mu         sync.RWMutex
	events     *ring.Ring
	eventIndex map[string]*model.Event
	threats    *ring.Ring
	dedupe     *lru.Cache[string, bool]
}

// NewMemoryStore creates a new memory store with specified capacities
func NewMemoryStore(maxEvents, maxThreats, dedupeCap int) (*MemoryStore, error) {
	if maxEvents <= 0 || maxThreats <= 0 {
		return nil, fmt.Errorf("memory store capacities must be positive (events=%d, threats=%d)", maxEvents, maxThreats)
	}
	dedupeCache, err := lru.New[string, bool](dedupeCap)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}

	return &MemoryStore{
		events:     ring.New(maxEvents),
		eventIndex: make(map[string]*model.Event, maxEvents),
		threats:    ring.New(maxThreats),
		dedupe:     dedupeCache,
	}, nil
}

// SaveEvent appends a copy of the event, evicting the oldest when full. A retained event
// with the same ID yields ErrDuplicate.
func (s *MemoryStore) SaveEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.eventIndex[ev.ID]; exists {
		return ErrDuplicate
	}

	if old, ok := s.events.Value.(*model.Event); ok && s.eventIndex[old.ID] == old {
		delete(s.eventIndex, old.ID)
	}

	stored := *ev
	s.events.Value = &stored
	s.events = s.events.Next()
	s.eventIndex[stored.ID] = &stored

	return nil
}

// UpdateDetectionStatus sets the detection status of a stored event
func (s *MemoryStore) UpdateDetectionStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.eventIndex[id]
	if !ok {
		return ErrNotFound
	}
	ev.DetectionStatus = status
	return nil
}

// CountAuthFailures counts stored events matching the query
func (s *MemoryStore) CountAuthFailures(_ context.Context, q FailureQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	s.events.Do(func(value interface{}) {
		if ev, ok := value.(*model.Event); ok && matchesFailure(ev, q) {
			count++
		}
	})
	return count, nil
}

// NetworkEvents returns network events inside [since, until], newest first
func (s *MemoryStore) NetworkEvents(_ context.Context, since, until time.Time, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	var events []*model.Event
	s.events.Do(func(value interface{}) {
		ev, ok := value.(*model.Event)
		if !ok || ev.Kind != model.KindNetwork {
			return
		}
		if ev.Timestamp.Before(since) || ev.Timestamp.After(until) {
			return
		}
		copied := *ev
		events = append(events, &copied)
	})
	s.mu.RUnlock()

	sortNewestFirst(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// RecentEvents returns the newest events of a kind
func (s *MemoryStore) RecentEvents(_ context.Context, kind model.EventKind, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	var events []*model.Event
	s.events.Do(func(value interface{}) {
		if ev, ok := value.(*model.Event); ok && ev.Kind == kind {
			copied := *ev
			events = append(events, &copied)
		}
	})
	s.mu.RUnlock()

	sortNewestFirst(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// SaveThreat adds a threat to the ring buffer, rejecting repeated detection IDs
func (s *MemoryStore) SaveThreat(_ context.Context, threat *model.DetectedThreat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dedupe.Get(threat.DetectionID); exists {
		return ErrDuplicate
	}
	s.dedupe.Add(threat.DetectionID, true)

	stored := *threat
	s.threats.Value = &stored
	s.threats = s.threats.Next()

	return nil
}

// RecentThreats returns threats newest first
func (s *MemoryStore) RecentThreats(_ context.Context, limit int) ([]*model.DetectedThreat, error) {
	s.mu.RLock()
	var threats []*model.DetectedThreat
	s.threats.Do(func(value interface{}) {
		if t, ok := value.(*model.DetectedThreat); ok {
			copied := *t
			threats = append(threats, &copied)
		}
	})
	s.mu.RUnlock()

	// ring order is insertion order; reverse it, then settle ties by creation time
	for i, j := 0, len(threats)-1; i < j; i, j = i+1, j-1 {
		threats[i], threats[j] = threats[j], threats[i]
	}
	sort.SliceStable(threats, func(i, j int) bool {
		return threats[i].CreatedAt.After(threats[j].CreatedAt)
	})

	if limit > 0 && len(threats) > limit {
		threats = threats[:limit]
	}
	return threats, nil
}

// Counts computes dashboard aggregates over retained data
func (s *MemoryStore) Counts(_ context.Context) (model.ThreatCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c model.ThreatCounts
	s.threats.Do(func(value interface{}) {
		if t, ok := value.(*model.DetectedThreat); ok {
			tally(&c, t)
		}
	})
	s.events.Do(func(value interface{}) {
		if ev, ok := value.(*model.Event); ok {
			tallyEvent(&c, ev)
		}
	})
	return c, nil
}

// Health always succeeds for the memory store
func (s *MemoryStore) Health(context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func sortNewestFirst(events []*model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
