package history

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps records for the lifetime of the process.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Record)}
}

func (s *InMemoryStore) Record(_ context.Context, rec Record) error {
	if rec.FinalizedAt.IsZero() {
		rec.FinalizedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	arr := append(s.records[rec.GroupID], rec)
	if len(arr) > MaxLimit {
		arr = append([]Record(nil), arr[len(arr)-MaxLimit:]...)
	}
	s.records[rec.GroupID] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, groupID string, limit int) ([]Record, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[groupID]
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Record, 0, limit)
	for i := len(arr) - 1; i >= len(arr)-limit; i-- {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
