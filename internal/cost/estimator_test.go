package cost

import (
	"math"
	"testing"

	"github.com/modelrelay/modelrelay/internal/domain"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hello", 2},                         // ceil(1 * 1.3)
		{"one two three", 4},                 // ceil(3 * 1.3)
		{"one two three four five six", 8},   // ceil(6 * 1.3)
		{"  spaced   out \n words\there ", 6}, // ceil(4 * 1.3)
	}

	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEstimateRequest(t *testing.T) {
	e := NewEstimator()
	model := domain.ModelConfig{
		ModelID:         "m1",
		InputCostPer1K:  0.5,
		OutputCostPer1K: 1.5,
		MaxTokens:       1000,
	}

	// 3 words -> 4 input tokens; output priced at the full allowance.
	got := e.EstimateRequest(model, "one two three", 100)
	want := 4.0/1000*0.5 + 100.0/1000*1.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("EstimateRequest = %f, want %f", got, want)
	}

	// Zero max_tokens falls back to the model default.
	got = e.EstimateRequest(model, "one two three", 0)
	want = 4.0/1000*0.5 + 1000.0/1000*1.5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("EstimateRequest with default allowance = %f, want %f", got, want)
	}
}

func TestActualCost(t *testing.T) {
	e := NewEstimator()
	model := domain.ModelConfig{InputCostPer1K: 2, OutputCostPer1K: 6}

	got := e.ActualCost(model, 500, 250)
	want := 500.0/1000*2 + 250.0/1000*6
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("ActualCost = %f, want %f", got, want)
	}

	if e.ActualCost(domain.ModelConfig{}, 1000, 1000) != 0 {
		t.Error("zero-rate model should cost nothing")
	}
}
