// Package provider implements the uniform adapter contract over provider
// wire protocols. Adapters fetch API keys lazily through the secret
// manager, which caches them with a TTL.
package provider

import (
	"context"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/cost"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/secrets"
)

// Result is the provider-agnostic outcome of a generation call. Token
// counts are the provider's own when reported, estimated otherwise.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Health is the outcome of an adapter probe.
type Health struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Adapter is the uniform contract every provider implements.
type Adapter interface {
	ModelID() string
	Provider() string
	Generate(ctx context.Context, req domain.Request) (*Result, error)
	Stream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, <-chan error)
	HealthCheck(ctx context.Context) Health
	EstimateCost(prompt string, maxTokens int) float64
}

// Deps are the collaborators an adapter constructor receives.
type Deps struct {
	Secrets   *secrets.Manager
	Client    *http.Client
	Estimator *cost.Estimator

	// BaseURL overrides the provider endpoint when non-empty; tests point
	// it at a local server.
	BaseURL string
}

// wantsJSON reports whether the caller asked for a JSON-formatted response.
func wantsJSON(req domain.Request) bool {
	return req.Metadata["response_format"] == "json"
}
