package memory

import (
	"context"
	"sync"
	"time"

	"cartkeep/internal/ratelimit/models"
)

// InMemoryStore is a per-process sliding window limiter. It backs tests,
// single-instance deployments and the fallback path of a distributed store.
type InMemoryStore struct {
	mu            sync.Mutex
	windows       map[string]*slidingWindow
	now           func() time.Time
	sweepInterval time.Duration
	nextSweep     time.Time
}

const defaultSweepInterval = time.Minute

type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

type Option func(*InMemoryStore)

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepInterval sets how often expired windows are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(s *InMemoryStore) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

func New(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		windows:       make(map[string]*slidingWindow),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow records one request for key when the window has room.
func (s *InMemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)
	sw := s.windowFor(key, window)
	sw.cleanup(now)

	if len(sw.timestamps) >= limit {
		return models.Denied(limit, sw.timestamps[0].Add(window), now), nil
	}
	sw.timestamps = append(sw.timestamps, now)
	return &models.Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(sw.timestamps),
		ResetAt:   sw.timestamps[0].Add(window),
	}, nil
}

// Reset forgets key.
func (s *InMemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// Count returns the requests currently inside key's window.
func (s *InMemoryStore) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw := s.windows[key]
	if sw == nil {
		return 0
	}
	sw.cleanup(s.now())
	if len(sw.timestamps) == 0 {
		delete(s.windows, key)
	}
	return len(sw.timestamps)
}

// Len returns the number of keys currently tracked.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// sweep evicts windows with no requests left. Must be called with s.mu held.
func (s *InMemoryStore) sweep(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	s.nextSweep = now.Add(s.sweepInterval)
	for key, sw := range s.windows {
		sw.cleanup(now)
		if len(sw.timestamps) == 0 {
			delete(s.windows, key)
		}
	}
}

func (sw *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

// windowFor must be called with s.mu held.
func (s *InMemoryStore) windowFor(key string, window time.Duration) *slidingWindow {
	if sw := s.windows[key]; sw != nil {
		sw.window = window
		return sw
	}
	sw := &slidingWindow{timestamps: []time.Time{}, window: window}
	s.windows[key] = sw
	return sw
}
