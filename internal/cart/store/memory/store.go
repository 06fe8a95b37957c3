package memory

import (
	"context"
	"sync"

	"cartkeep/internal/cart/models"
	"cartkeep/pkg/platform/sentinel"
)

// InMemoryStore keeps cart records in a map guarded by a mutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.Record
}

func New() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*models.Record)}
}

func (s *InMemoryStore) Load(_ context.Context, ownerKey string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[ownerKey]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) Save(ctx context.Context, rec *models.Record, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.records[rec.OwnerKey]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return sentinel.ErrConflict
	}
	rec.Version = expectedVersion + 1
	s.records[rec.OwnerKey] = rec.Clone()
	return nil
}

// Len reports how many cart records exist.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
