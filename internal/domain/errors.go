package domain

import (
	"errors"
	"time"
)

var (
	ErrNotInitialized = errors.New("gateway not initialized")
	ErrInvalidRequest = errors.New("invalid request")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrNoHealthyModel = errors.New("no healthy model available")
	ErrTimeout        = errors.New("request timed out")
	ErrProvider       = errors.New("provider error")
	ErrSecretFetch    = errors.New("secret fetch failed")
	ErrInternal       = errors.New("internal error")
)

// BudgetDenial carries the deciding limit alongside ErrBudgetExceeded so
// callers can render a structured denial.
type BudgetDenial struct {
	BudgetID     string
	CurrentUsage float64
	LimitUSD     float64
	NextReset    time.Time
}

func (d *BudgetDenial) Error() string { return ErrBudgetExceeded.Error() }

func (d *BudgetDenial) Unwrap() error { return ErrBudgetExceeded }

// RateLimitDenial carries the deciding bucket alongside ErrRateLimited.
type RateLimitDenial struct {
	Dimension string // "global", "user", or "model"
	Limit     int
	RetryAt   time.Time
}

func (d *RateLimitDenial) Error() string { return ErrRateLimited.Error() }

func (d *RateLimitDenial) Unwrap() error { return ErrRateLimited }
