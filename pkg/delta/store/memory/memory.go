// Package memory provides an in-memory delta event store for tests and dry
// runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/balloonfs/balloon/pkg/delta"
)

// EventStore keeps the log in a slice guarded by a mutex.
type EventStore struct {
	mu     sync.RWMutex
	events []*delta.Event
	nextID delta.EventID
}

var _ delta.EventStore = (*EventStore)(nil)

// New creates an empty event store.
func New() *EventStore {
	return &EventStore{nextID: 1}
}

// Append implements delta.EventStore.
func (s *EventStore) Append(ctx context.Context, ev *delta.Event) (delta.EventID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *ev
	copied.ID = s.nextID
	if copied.Timestamp.IsZero() {
		copied.Timestamp = time.Now()
	}
	s.nextID++
	s.events = append(s.events, &copied)
	return copied.ID, nil
}

func matches(ev *delta.Event, q delta.Query) bool {
	if ev.ID <= q.AfterID {
		return false
	}
	if q.Scope != "" && ev.Share != q.Scope {
		return false
	}
	if ev.Owner == q.Owner {
		return true
	}
	for _, share := range q.Shares {
		if ev.Share == share {
			return true
		}
	}
	return false
}

// Query implements delta.EventStore.
func (s *EventStore) Query(ctx context.Context, q delta.Query) ([]*delta.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*delta.Event
	for _, ev := range s.events {
		if !matches(ev, q) {
			continue
		}
		copied := *ev
		out = append(out, &copied)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Last implements delta.EventStore.
func (s *EventStore) Last(ctx context.Context) (delta.EventID, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return 0, time.Time{}, nil
	}
	last := s.events[len(s.events)-1]
	return last.ID, last.Timestamp, nil
}

// Oldest implements delta.EventStore.
func (s *EventStore) Oldest(ctx context.Context) (delta.EventID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[0].ID, nil
}

// Prune implements delta.EventStore.
func (s *EventStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, ev := range s.events {
		if ev.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return removed, nil
}
