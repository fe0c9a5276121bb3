// Package ratelimit enforces request rates with token buckets on three
// dimensions: global, per user, and per model. Buckets refill at the
// configured per-minute rate; burst allowance equals bucket capacity.
package ratelimit

import (
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"golang.org/x/time/rate"
)

type bucket struct {
	limiter *rate.Limiter
	perMin  int
}

// Limiter gates requests across all three dimensions. A request is admitted
// only when every applicable bucket has a token.
type Limiter struct {
	mu     sync.Mutex
	global *bucket
	users  map[string]*bucket
	models map[string]*bucket
	cfg    domain.RateLimitConfig
}

func New(cfg domain.RateLimitConfig) *Limiter {
	l := &Limiter{
		users:  make(map[string]*bucket),
		models: make(map[string]*bucket),
		cfg:    cfg,
	}
	if cfg.GlobalPerMin > 0 {
		l.global = newBucket(cfg.GlobalPerMin)
	}
	return l
}

func newBucket(perMin int) *bucket {
	return &bucket{
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		perMin:  perMin,
	}
}

// Allow admits or denies a request. The tier multiplier scales the user
// bucket; modelPerMin comes from the chosen model's configuration (0 means
// the model is unlimited).
func (l *Limiter) Allow(userID string, tierMultiplier float64, modelID string, modelPerMin int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global != nil && !l.global.limiter.Allow() {
		return &domain.RateLimitDenial{
			Dimension: "global",
			Limit:     l.global.perMin,
			RetryAt:   time.Now().Add(time.Minute / time.Duration(l.global.perMin)),
		}
	}

	if l.cfg.PerUserPerMin > 0 && userID != "" {
		if tierMultiplier <= 0 {
			tierMultiplier = 1
		}
		perMin := int(float64(l.cfg.PerUserPerMin) * tierMultiplier)
		if perMin < 1 {
			perMin = 1
		}
		b, ok := l.users[userID]
		if !ok || b.perMin != perMin {
			b = newBucket(perMin)
			l.users[userID] = b
		}
		if !b.limiter.Allow() {
			return &domain.RateLimitDenial{
				Dimension: "user",
				Limit:     perMin,
				RetryAt:   time.Now().Add(time.Minute / time.Duration(perMin)),
			}
		}
	}

	if modelPerMin > 0 && modelID != "" {
		if err := l.allowModelLocked(modelID, modelPerMin); err != nil {
			return err
		}
	}

	return nil
}

// AllowModel admits or denies against the model bucket alone. The gateway
// calls it after routing, once the model is known.
func (l *Limiter) AllowModel(modelID string, modelPerMin int) error {
	if modelPerMin <= 0 || modelID == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowModelLocked(modelID, modelPerMin)
}

func (l *Limiter) allowModelLocked(modelID string, modelPerMin int) error {
	b, ok := l.models[modelID]
	if !ok || b.perMin != modelPerMin {
		b = newBucket(modelPerMin)
		l.models[modelID] = b
	}
	if !b.limiter.Allow() {
		return &domain.RateLimitDenial{
			Dimension: "model",
			Limit:     modelPerMin,
			RetryAt:   time.Now().Add(time.Minute / time.Duration(modelPerMin)),
		}
	}
	return nil
}
