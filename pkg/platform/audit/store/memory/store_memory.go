package memory

import (
	"context"
	"sync"

	audit "cartkeep/pkg/platform/audit"
)

const DefaultCapacity = 10000

// InMemoryStore keeps the most recent events in a fixed-size ring. Once
// full, each append evicts the oldest event.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []audit.Event
	start  int
	size   int
}

type Option func(*InMemoryStore)

// WithCapacity sets how many events are retained. Non-positive values keep
// the default.
func WithCapacity(n int) Option {
	return func(s *InMemoryStore) {
		if n > 0 {
			s.events = make([]audit.Event, n)
		}
	}
}

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{events: make([]audit.Event, DefaultCapacity)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.events)
	s.start, s.size = 0, 0
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size < len(s.events) {
		s.events[(s.start+s.size)%len(s.events)] = event
		s.size++
		return nil
	}
	s.events[s.start] = event
	s.start = (s.start + 1) % len(s.events)
	return nil
}

// Len returns the number of retained events.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// at returns the i-th retained event, oldest first. Must be called with s.mu held.
func (s *InMemoryStore) at(i int) audit.Event {
	return s.events[(s.start+i)%len(s.events)]
}

// ListByOwner returns events whose owner, source or target label matches.
func (s *InMemoryStore) ListByOwner(_ context.Context, owner string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for i := range s.size {
		e := s.at(i)
		if e.Owner == owner || e.Source == owner || e.Target == owner {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListRecent returns up to limit events, oldest first.
func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	first := min(max(s.size-limit, 0), s.size)
	out := make([]audit.Event, 0, s.size-first)
	for i := first; i < s.size; i++ {
		out = append(out, s.at(i))
	}
	return out, nil
}
