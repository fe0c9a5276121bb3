// Package cache stores gateway responses keyed by request fingerprint.
// It supports both in-memory (single instance) and Redis (distributed)
// backends. Streaming responses are never cached.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Store defines the interface for response cache backends.
type Store interface {
	Get(ctx context.Context, req domain.Request) (*domain.Response, bool)
	Set(ctx context.Context, req domain.Request, resp *domain.Response, ttl time.Duration) error
	Stats() Stats
}

// Stats is a point-in-time cache counter snapshot.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// DefaultTTL applies when neither the caller nor the task-type table
// provides one.
const DefaultTTL = time.Hour

// DefaultCapacity bounds the in-memory store.
const DefaultCapacity = 10000

// TTLFor resolves the TTL for a task type from the caching configuration.
func TTLFor(cfg domain.CachingConfig, taskType string) time.Duration {
	if seconds, ok := cfg.TaskTypeTTLs[taskType]; ok && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if cfg.DefaultTTL > 0 {
		return time.Duration(cfg.DefaultTTL) * time.Second
	}
	return DefaultTTL
}

type entry struct {
	response   domain.Response
	insertedAt time.Time
	hitCount   int
	ttl        time.Duration
}

// InMemoryStore is a capacity-bounded process-local cache. At capacity it
// evicts the bottom 10% of entries ordered by (hit count, insertion time).
type InMemoryStore struct {
	mu       sync.Mutex
	items    map[string]*entry
	capacity int
	hits     int64
	misses   int64
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &InMemoryStore{
		items:    make(map[string]*entry),
		capacity: capacity,
	}
}

func (s *InMemoryStore) Get(_ context.Context, req domain.Request) (*domain.Response, bool) {
	if req.Stream {
		return nil, false
	}

	key := Fingerprint(req)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || time.Since(e.insertedAt) >= e.ttl {
		if ok {
			delete(s.items, key)
		}
		s.misses++
		return nil, false
	}

	e.hitCount++
	s.hits++

	// Return a copy so callers can rewrite identity fields without
	// mutating the cached original. Latency stays as originally observed.
	resp := e.response
	resp.Cached = true
	return &resp, true
}

func (s *InMemoryStore) Set(_ context.Context, req domain.Request, resp *domain.Response, ttl time.Duration) error {
	if req.Stream {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	key := Fingerprint(req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; !exists && len(s.items) >= s.capacity {
		s.evictLocked()
	}

	s.items[key] = &entry{
		response:   *resp,
		insertedAt: time.Now(),
		ttl:        ttl,
	}
	return nil
}

// evictLocked removes the coldest 10% of entries: lowest hit count first,
// oldest insertion breaking ties.
func (s *InMemoryStore) evictLocked() {
	type ranked struct {
		key string
		e   *entry
	}

	all := make([]ranked, 0, len(s.items))
	for k, e := range s.items {
		all = append(all, ranked{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].e.hitCount != all[j].e.hitCount {
			return all[i].e.hitCount < all[j].e.hitCount
		}
		return all[i].e.insertedAt.Before(all[j].e.insertedAt)
	})

	n := len(all) / 10
	if n < 1 {
		n = 1
	}
	for _, r := range all[:n] {
		delete(s.items, r.key)
	}
}

func (s *InMemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Size:    len(s.items),
		MaxSize: s.capacity,
		Hits:    s.hits,
		Misses:  s.misses,
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	return stats
}
