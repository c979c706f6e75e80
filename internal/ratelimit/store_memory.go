package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps TATs in process memory. It is only correct for a single instance.
type MemoryStore struct {
	mu   sync.Mutex
	tats map[BucketKey]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tats: make(map[BucketKey]time.Time)}
}

// Admit implements Store.
func (s *MemoryStore) Admit(_ context.Context, key BucketKey, now time.Time, limit Limit) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := GCRA(s.tats[key], now, limit)
	if d.Allowed {
		s.tats[key] = d.TAT
	}
	return d, nil
}
