package cost

import (
	"math"
	"strings"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// EstimateTokens approximates token usage from text when the provider does
// not report it: ceil(word_count * 1.3).
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// Estimator prices requests against per-model per-1K-token USD rates.
type Estimator struct{}

func NewEstimator() *Estimator {
	return &Estimator{}
}

// EstimateRequest projects the worst-case cost of a request before it is
// sent: estimated input tokens plus the full max_tokens output allowance.
func (e *Estimator) EstimateRequest(model domain.ModelConfig, prompt string, maxTokens int) float64 {
	inputTokens := EstimateTokens(prompt)
	if maxTokens <= 0 {
		maxTokens = model.MaxTokens
	}
	return e.price(model, inputTokens, maxTokens)
}

// ActualCost prices a completed request from observed token counts.
func (e *Estimator) ActualCost(model domain.ModelConfig, inputTokens, outputTokens int) float64 {
	return e.price(model, inputTokens, outputTokens)
}

func (e *Estimator) price(model domain.ModelConfig, inputTokens, outputTokens int) float64 {
	inputCost := float64(inputTokens) / 1000 * model.InputCostPer1K
	outputCost := float64(outputTokens) / 1000 * model.OutputCostPer1K
	return inputCost + outputCost
}
