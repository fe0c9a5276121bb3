package domain

import "time"

// Request is the uniform completion request accepted by the gateway.
type Request struct {
	Prompt      string            `json:"prompt"`
	UserID      string            `json:"user_id"`
	TaskType    string            `json:"task_type,omitempty"`
	UserTier    string            `json:"user_tier,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Set by the request enricher.
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Response is the uniform completion response returned by the gateway.
type Response struct {
	Content      string            `json:"content"`
	ModelUsed    string            `json:"model_used"`
	Provider     string            `json:"provider"`
	RequestID    string            `json:"request_id"`
	TokensUsed   int               `json:"tokens_used"`
	CostEstimate float64           `json:"cost_estimate"`
	LatencyMs    int64             `json:"latency_ms"`
	Cached       bool              `json:"cached"`
	UserID       string            `json:"user_id"`
	SessionID    string            `json:"session_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// StreamChunk is one unit of a streaming response. The terminal chunk has
// Done set and empty Content.
type StreamChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done,omitempty"`
}

// SecretRef is an opaque handle to an API key held by a secret store.
// It is never dereferenced eagerly.
type SecretRef struct {
	Kind       string `json:"kind"`
	Identifier string `json:"identifier"`
	Version    string `json:"version,omitempty"`
}

// ModelConfig declares a usable model and how the gateway should treat it.
type ModelConfig struct {
	ModelID          string    `json:"model_id"`
	Provider         string    `json:"provider"`
	WireName         string    `json:"wire_name"`
	SecretRef        SecretRef `json:"secret_ref"`
	Active           bool      `json:"active"`
	Priority         int       `json:"priority"` // 1 = highest, 5 = lowest
	InputCostPer1K   float64   `json:"input_cost_per_1k"`
	OutputCostPer1K  float64   `json:"output_cost_per_1k"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	ContextWindow    int       `json:"context_window"`
	SupportsStream   bool      `json:"supports_stream"`
	RateLimitPerMin  int       `json:"rate_limit_per_min"`
	FailureThreshold int       `json:"failure_threshold"`
	RecoveryTimeout  int       `json:"recovery_timeout_seconds"`
}

// RoutingRule routes requests whose context matches every condition to the
// targets, in order. Higher weight rules are evaluated first.
type RoutingRule struct {
	RuleID     string            `json:"rule_id"`
	Conditions map[string]string `json:"conditions"`
	Targets    []string          `json:"targets"`
	Weight     int               `json:"weight"`
	Active     bool              `json:"active"`
}

// ABTest splits traffic between model variants for its active window.
// Variant assignment is deterministic per (user, test).
type ABTest struct {
	TestID       string              `json:"test_id"`
	Start        time.Time           `json:"start"`
	End          time.Time           `json:"end"`
	TrafficSplit map[string]float64  `json:"traffic_split"`
	Variants     map[string][]string `json:"variants"`
	Metrics      []string            `json:"success_metrics,omitempty"`
}

// ActiveAt reports whether the test window covers t.
func (t ABTest) ActiveAt(at time.Time) bool {
	return !at.Before(t.Start) && at.Before(t.End)
}

// BudgetPeriod is a budget reset cadence.
type BudgetPeriod string

const (
	PeriodDaily     BudgetPeriod = "daily"
	PeriodWeekly    BudgetPeriod = "weekly"
	PeriodMonthly   BudgetPeriod = "monthly"
	PeriodQuarterly BudgetPeriod = "quarterly"
)

// BudgetConfig is a scoped cost ceiling. Empty Groups means global.
type BudgetConfig struct {
	BudgetID           string       `json:"budget_id"`
	LimitUSD           float64      `json:"limit_usd"`
	Period             BudgetPeriod `json:"period"`
	AlertThresholds    []float64    `json:"alert_thresholds"`
	AutoDisableAtLimit bool         `json:"auto_disable_at_limit"`
	Groups             []string     `json:"groups"`
}

// BudgetStatus is the lifecycle state of a budget within a period.
type BudgetStatus string

const (
	BudgetActive   BudgetStatus = "active"
	BudgetWarning  BudgetStatus = "warning"
	BudgetExceeded BudgetStatus = "exceeded"
)

// BudgetUsage is the live usage snapshot for a budget.
type BudgetUsage struct {
	BudgetID     string       `json:"budget_id"`
	Groups       []string     `json:"groups"`
	CurrentUsage float64      `json:"current_usage"`
	LimitUSD     float64      `json:"limit_usd"`
	PeriodStart  time.Time    `json:"period_start"`
	PeriodEnd    time.Time    `json:"period_end"`
	Status       BudgetStatus `json:"status"`
}

// UserTier names a user class with access, priority, and rate modifiers.
type UserTier struct {
	TierID              string               `json:"tier_id"`
	AllowedModels       []string             `json:"allowed_models"`
	PriorityBoost       int                  `json:"priority_boost"`
	RateLimitMultiplier float64              `json:"rate_limit_multiplier"`
	SecretOverrides     map[string]SecretRef `json:"secret_overrides,omitempty"`
}

// Allows reports whether the tier permits the model. An empty allow list
// permits everything.
func (t UserTier) Allows(modelID string) bool {
	if len(t.AllowedModels) == 0 {
		return true
	}
	for _, id := range t.AllowedModels {
		if id == modelID {
			return true
		}
	}
	return false
}

// UsageRecord is the per-request accounting row written to analytics.
type UsageRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
	ModelUsed  string    `json:"model_used"`
	Provider   string    `json:"provider"`
	LatencyMs  int64     `json:"latency_ms"`
	TokensUsed int       `json:"tokens_used"`
	CostUSD    float64   `json:"cost_usd"`
	Success    bool      `json:"success"`
	Cached     bool      `json:"cached"`
	TaskType   string    `json:"task_type,omitempty"`
	RequestID  string    `json:"request_id"`
}

// CachingConfig controls the response cache.
type CachingConfig struct {
	Capacity     int            `json:"capacity"`
	DefaultTTL   int            `json:"default_ttl_seconds"`
	TaskTypeTTLs map[string]int `json:"task_type_ttls,omitempty"`
}

// RateLimitConfig controls the request rate limiter.
type RateLimitConfig struct {
	GlobalPerMin  int `json:"global_per_min"`
	PerUserPerMin int `json:"per_user_per_min"`
}

// ExportDocument is the authoritative wire format for configuration backup,
// migration, and audit.
type ExportDocument struct {
	Models        []ModelConfig   `json:"models"`
	RoutingRules  []RoutingRule   `json:"routing_rules"`
	ABTests       []ABTest        `json:"ab_tests"`
	Budgets       []BudgetConfig  `json:"budgets"`
	UserTiers     []UserTier      `json:"user_tiers"`
	CachingConfig CachingConfig   `json:"caching_config"`
	RateLimit     RateLimitConfig `json:"rate_limit_config"`
}

// FallbackModelID identifies the always-present deterministic adapter of
// last resort.
const FallbackModelID = "fallback"
