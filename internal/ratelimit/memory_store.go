package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket holds the mutable state of one token bucket
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryStore is the process-local BucketStore. Refill is lazy: tokens are
// replenished from elapsed wall time on each acquire, no background timer.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewMemoryStore creates an empty in-process bucket store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket)}
}

// Acquire implements BucketStore. A new key starts with a full bucket.
func (s *MemoryStore) Acquire(_ context.Context, key string, limit Limit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(limit.Burst), lastRefill: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * limit.Rate
	if b.tokens > float64(limit.Burst) {
		b.tokens = float64(limit.Burst)
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}
