package alerting

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	alert   *Alert
	expires time.Time
}

// MemoryStore is a bounded in-process DedupStore. The least recently used
// keys are evicted once capacity is reached.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, memoryEntry]
	clock func() time.Time
}

// NewMemoryStore creates a store holding up to capacity alerts.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 100000
	}
	cache, _ := lru.New[string, memoryEntry](capacity)
	return &MemoryStore{cache: cache, clock: time.Now}
}

// Upsert implements DedupStore.
func (s *MemoryStore) Upsert(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (*Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var cur *Alert
	var expires time.Time
	if e, ok := s.cache.Get(key); ok && (e.expires.IsZero() || now.Before(e.expires)) {
		cur = e.alert.Clone()
		expires = e.expires
	}

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}

	e := memoryEntry{alert: next.Clone(), expires: expires}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	s.cache.Add(key, e)
	return next, nil
}

// Get implements DedupStore.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Get(key)
	if !ok || (!e.expires.IsZero() && !s.clock().Before(e.expires)) {
		return nil, ErrAlertNotFound
	}
	return e.alert.Clone(), nil
}

// Len returns the number of stored alerts, expired ones included.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
