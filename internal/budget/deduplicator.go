package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator suppresses repeat alerts for the same budget and
// threshold, across instances when backed by Redis.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this crossing is new and should be
	// dispatched.
	ShouldAlert(budgetID string, threshold float64) bool

	// ClearAlerts forgets alert state for a budget (called on period reset).
	ClearAlerts(budgetID string)
}

// InMemoryDeduplicator is suitable for single-instance deployments.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]bool
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{sent: make(map[string]bool)}
}

func alertKey(budgetID string, threshold float64) string {
	return fmt.Sprintf("%s:%.4f", budgetID, threshold)
}

func (d *InMemoryDeduplicator) ShouldAlert(budgetID string, threshold float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := alertKey(budgetID, threshold)
	if d.sent[key] {
		return false
	}
	d.sent[key] = true
	return true
}

func (d *InMemoryDeduplicator) ClearAlerts(budgetID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prefix := budgetID + ":"
	for key := range d.sent {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(d.sent, key)
		}
	}
}

// RedisDeduplicator deduplicates alerts across gateway instances with SETNX.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisDeduplicator(redisURL string, lockTTL time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{client: client, lockTTL: lockTTL}, nil
}

func (d *RedisDeduplicator) redisKey(budgetID string, threshold float64) string {
	return "budget:alert:" + alertKey(budgetID, threshold)
}

func (d *RedisDeduplicator) ShouldAlert(budgetID string, threshold float64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acquired, err := d.client.SetNX(ctx, d.redisKey(budgetID, threshold), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// On Redis error the alert is allowed.
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlerts(budgetID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	keys, err := d.client.Keys(ctx, "budget:alert:"+budgetID+":*").Result()
	if err != nil || len(keys) == 0 {
		return
	}
	d.client.Del(ctx, keys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
