package ratelimit

import (
	"errors"
	"testing"

	"github.com/modelrelay/modelrelay/internal/domain"
)

func TestGlobalBucketDenies(t *testing.T) {
	l := New(domain.RateLimitConfig{GlobalPerMin: 2})

	for i := 0; i < 2; i++ {
		if err := l.Allow("u1", 1, "", 0); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}

	err := l.Allow("u1", 1, "", 0)
	var denial *domain.RateLimitDenial
	if !errors.As(err, &denial) {
		t.Fatalf("err = %v, want RateLimitDenial", err)
	}
	if denial.Dimension != "global" || denial.Limit != 2 {
		t.Errorf("denial = %+v", denial)
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Error("denial should unwrap to ErrRateLimited")
	}
}

func TestUserBucketScalesWithTierMultiplier(t *testing.T) {
	l := New(domain.RateLimitConfig{PerUserPerMin: 2})

	// Multiplier 2 doubles the burst to 4.
	for i := 0; i < 4; i++ {
		if err := l.Allow("pro-user", 2, "", 0); err != nil {
			t.Fatalf("request %d should pass for boosted user: %v", i+1, err)
		}
	}
	if err := l.Allow("pro-user", 2, "", 0); err == nil {
		t.Error("fifth request should be denied")
	}

	// A different user has a separate bucket.
	if err := l.Allow("other-user", 1, "", 0); err != nil {
		t.Errorf("other user should be unaffected: %v", err)
	}
}

func TestModelBucket(t *testing.T) {
	l := New(domain.RateLimitConfig{})

	for i := 0; i < 3; i++ {
		if err := l.AllowModel("m1", 3); err != nil {
			t.Fatalf("request %d should pass: %v", i+1, err)
		}
	}

	err := l.AllowModel("m1", 3)
	var denial *domain.RateLimitDenial
	if !errors.As(err, &denial) || denial.Dimension != "model" {
		t.Errorf("err = %v, want model denial", err)
	}

	if err := l.AllowModel("m2", 3); err != nil {
		t.Errorf("other model should be unaffected: %v", err)
	}
	// Unlimited models never deny.
	if err := l.AllowModel("m1", 0); err != nil {
		t.Errorf("unlimited model denied: %v", err)
	}
}

func TestZeroConfigAllowsEverything(t *testing.T) {
	l := New(domain.RateLimitConfig{})

	for i := 0; i < 100; i++ {
		if err := l.Allow("u1", 1, "m1", 0); err != nil {
			t.Fatalf("unconfigured limiter denied: %v", err)
		}
	}
}
