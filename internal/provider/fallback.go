package provider

import (
	"context"
	"hash/fnv"

	"github.com/modelrelay/modelrelay/internal/cost"
	"github.com/modelrelay/modelrelay/internal/domain"
)

// fallbackPool holds the canned responses served when no real provider is
// available. Selection hashes the prompt so repeated requests get the same
// answer.
var fallbackPool = []string{
	"I'm unable to reach a language model right now. Please try again in a moment.",
	"All language model providers are currently unavailable. Your request was received and you can retry shortly.",
	"The system is operating in degraded mode and cannot generate a full response at this time.",
	"No model is available to handle this request right now. Please retry in a few minutes.",
}

// Fallback is the local provider of last resort. It never performs I/O,
// never fails, and reports zero cost.
type Fallback struct {
	cfg domain.ModelConfig
}

func NewFallback(cfg domain.ModelConfig, _ Deps) Adapter {
	return &Fallback{cfg: cfg}
}

func (p *Fallback) ModelID() string  { return p.cfg.ModelID }
func (p *Fallback) Provider() string { return domain.FallbackModelID }

func pickFallback(prompt string) string {
	h := fnv.New32a()
	h.Write([]byte(prompt))
	return fallbackPool[int(h.Sum32())%len(fallbackPool)]
}

func (p *Fallback) Generate(_ context.Context, req domain.Request) (*Result, error) {
	content := pickFallback(req.Prompt)
	return &Result{
		Content:      content,
		InputTokens:  cost.EstimateTokens(req.Prompt),
		OutputTokens: cost.EstimateTokens(content),
	}, nil
}

func (p *Fallback) Stream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk, 2)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		select {
		case chunks <- domain.StreamChunk{Content: pickFallback(req.Prompt)}:
		case <-ctx.Done():
			return
		}
		select {
		case chunks <- domain.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return chunks, errs
}

func (p *Fallback) HealthCheck(context.Context) Health {
	return Health{Healthy: true}
}

func (p *Fallback) EstimateCost(string, int) float64 { return 0 }
