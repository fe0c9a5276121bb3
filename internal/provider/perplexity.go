package provider

import (
	"github.com/modelrelay/modelrelay/internal/domain"
)

const perplexityBaseURL = "https://api.perplexity.ai"

// Perplexity speaks the OpenAI chat completions wire format on its own
// endpoint, so the adapter delegates everything except identity.
type Perplexity struct {
	*OpenAI
}

func NewPerplexity(cfg domain.ModelConfig, deps Deps) Adapter {
	baseURL := perplexityBaseURL
	if deps.BaseURL != "" {
		baseURL = deps.BaseURL
	}
	return &Perplexity{OpenAI: &OpenAI{cfg: cfg, deps: deps, baseURL: baseURL}}
}

func (p *Perplexity) Provider() string { return "perplexity" }
