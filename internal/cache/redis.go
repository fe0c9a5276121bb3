package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisStore shares the response cache across gateway instances. Redis
// handles TTL expiry and eviction (maxmemory policy); hit/miss counters are
// per-instance.
type RedisStore struct {
	client *redis.Client
	hits   atomic.Int64
	misses atomic.Int64
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, req domain.Request) (*domain.Response, bool) {
	if req.Stream {
		return nil, false
	}

	data, err := s.client.Get(ctx, Fingerprint(req)).Bytes()
	if err != nil {
		s.misses.Add(1)
		return nil, false
	}

	var resp domain.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		s.misses.Add(1)
		return nil, false
	}

	s.hits.Add(1)
	resp.Cached = true
	return &resp, true
}

func (s *RedisStore) Set(ctx context.Context, req domain.Request, resp *domain.Response, ttl time.Duration) error {
	if req.Stream {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, Fingerprint(req), data, ttl).Err()
}

func (s *RedisStore) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	stats := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
