package usage

import (
	"context"
	"sort"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Source answers record queries for analytics. MemorySink and PostgresSink
// both satisfy it.
type Source interface {
	Query(ctx context.Context, since time.Time, userID string) ([]domain.UsageRecord, error)
}

// ModelUsage is one row of the top-models breakdown.
type ModelUsage struct {
	ModelID  string  `json:"model_id"`
	Requests int     `json:"requests"`
	CostUSD  float64 `json:"cost_usd"`
}

// Summary aggregates usage over a time window.
type Summary struct {
	Since         time.Time    `json:"since"`
	UserID        string       `json:"user_id,omitempty"`
	TotalRequests int          `json:"total_requests"`
	Successes     int          `json:"successes"`
	Failures      int          `json:"failures"`
	TotalTokens   int          `json:"total_tokens"`
	TotalCostUSD  float64      `json:"total_cost_usd"`
	AvgLatencyMs  float64      `json:"avg_latency_ms"`
	CacheHitRate  float64      `json:"cache_hit_rate"`
	TopModels     []ModelUsage `json:"top_models"`
}

// Analytics computes summaries from a record source.
type Analytics struct {
	src  Source
	topN int
}

func NewAnalytics(src Source) *Analytics {
	return &Analytics{src: src, topN: 5}
}

// Summarize aggregates all records at or after since, optionally filtered
// to one user.
func (a *Analytics) Summarize(ctx context.Context, since time.Time, userID string) (*Summary, error) {
	records, err := a.src.Query(ctx, since, userID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Since: since, UserID: userID}
	var totalLatency int64
	var cacheHits int
	byModel := make(map[string]*ModelUsage)

	for _, rec := range records {
		sum.TotalRequests++
		if rec.Success {
			sum.Successes++
		} else {
			sum.Failures++
		}
		sum.TotalTokens += rec.TokensUsed
		sum.TotalCostUSD += rec.CostUSD
		totalLatency += rec.LatencyMs
		if rec.Cached {
			cacheHits++
		}

		m, ok := byModel[rec.ModelUsed]
		if !ok {
			m = &ModelUsage{ModelID: rec.ModelUsed}
			byModel[rec.ModelUsed] = m
		}
		m.Requests++
		m.CostUSD += rec.CostUSD
	}

	if sum.TotalRequests > 0 {
		sum.AvgLatencyMs = float64(totalLatency) / float64(sum.TotalRequests)
		sum.CacheHitRate = float64(cacheHits) / float64(sum.TotalRequests)
	}

	models := make([]ModelUsage, 0, len(byModel))
	for _, m := range byModel {
		models = append(models, *m)
	}
	sort.Slice(models, func(i, j int) bool {
		if models[i].Requests != models[j].Requests {
			return models[i].Requests > models[j].Requests
		}
		return models[i].ModelID < models[j].ModelID
	})
	if len(models) > a.topN {
		models = models[:a.topN]
	}
	sum.TopModels = models

	return sum, nil
}
