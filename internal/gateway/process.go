package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/cost"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/telemetry"
)

// degradedPreface begins the content of every error-fallback response.
const degradedPreface = "Service temporarily unavailable. "

// ProcessRequest runs the full pipeline and returns the completion
// response. Cache, usage, and analytics failures are recovered locally.
func (g *Gateway) ProcessRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	admitted, err := g.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	req = admitted.req

	ctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "gateway.process_request")
	defer span.End()

	if resp, ok := g.cache.Get(ctx, req); ok {
		metrics.CacheHits.Inc()
		resp.RequestID = req.RequestID
		resp.UserID = req.UserID
		resp.SessionID = req.SessionID
		// A cache hit charges nothing, so the recorded cost is zero.
		resp.CostEstimate = 0
		telemetry.AddCacheAttribute(span, true)
		telemetry.AddRequestAttributes(span, req.UserID, resp.Provider, resp.ModelUsed, req.RequestID)
		g.recordUsage(req, resp, true)
		metrics.RecordRequest(resp.Provider, resp.ModelUsed, "cached", 0)
		return resp, nil
	}
	metrics.CacheMisses.Inc()
	telemetry.AddCacheAttribute(span, false)

	budgetIDs, modelCfg, adapter, err := g.dispatchTarget(req, admitted.tier, admitted.groups)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pctx, pcancel := context.WithTimeout(ctx, g.providerTimeout)
	pctx, providerSpan := telemetry.StartSpan(pctx, "provider.generate")
	telemetry.AddRequestAttributes(providerSpan, req.UserID, adapter.Provider(), modelCfg.ModelID, req.RequestID)
	result, err := adapter.Generate(pctx, req)
	if err != nil {
		telemetry.AddErrorAttribute(providerSpan, err)
	}
	providerSpan.End()
	pcancel()

	if err != nil {
		return g.handleGenerateError(ctx, req, modelCfg, err, start)
	}
	g.breakers.RecordSuccess(modelCfg.ModelID)

	resp := g.buildResponse(req, modelCfg, adapter.Provider(), result, time.Since(start))
	telemetry.AddRequestAttributes(span, req.UserID, resp.Provider, resp.ModelUsed, req.RequestID)
	telemetry.AddTokenAttributes(span, result.InputTokens, result.OutputTokens)
	telemetry.AddCostAttribute(span, resp.CostEstimate)
	g.enforcer.Commit(budgetIDs, resp.CostEstimate)

	if err := g.cache.Set(ctx, req, resp, cache.TTLFor(g.store.Caching(), req.TaskType)); err != nil {
		g.logger.Warn("cache write failed", "request_id", req.RequestID, "error", err)
	}

	g.recordUsage(req, resp, true)
	metrics.RecordRequest(resp.Provider, resp.ModelUsed, "success", time.Since(start).Seconds())
	metrics.RecordTokens(resp.Provider, resp.ModelUsed, result.InputTokens, result.OutputTokens)
	metrics.RecordCost(resp.Provider, resp.ModelUsed, resp.CostEstimate)

	return resp, nil
}

// ProcessStream runs the pipeline up to the adapter call and forwards the
// adapter's chunks. Usage is recorded after the stream completes or errors,
// with partial tokens counted as emitted. Streams are never cached.
func (g *Gateway) ProcessStream(ctx context.Context, req domain.Request) (<-chan domain.StreamChunk, <-chan error, error) {
	req.Stream = true

	admitted, err := g.admit(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	req = admitted.req

	budgetIDs, modelCfg, adapter, err := g.dispatchTarget(req, admitted.tier, admitted.groups)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan domain.StreamChunk)
	errs := make(chan error, 1)
	metrics.ActiveStreams.Inc()

	go func() {
		defer close(out)
		defer close(errs)
		defer metrics.ActiveStreams.Dec()

		sctx, cancel := context.WithTimeout(ctx, g.requestTimeout)
		defer cancel()

		start := time.Now()
		chunks, adapterErrs := adapter.Stream(sctx, req)

		var emitted strings.Builder
		var streamErr error

	loop:
		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					break loop
				}
				emitted.WriteString(chunk.Content)
				select {
				case out <- chunk:
				case <-sctx.Done():
					streamErr = sctx.Err()
					break loop
				}
			case err, ok := <-adapterErrs:
				if ok && err != nil {
					streamErr = err
					break loop
				}
			case <-sctx.Done():
				streamErr = sctx.Err()
				break loop
			}
		}

		inputTokens := cost.EstimateTokens(req.Prompt)
		outputTokens := cost.EstimateTokens(emitted.String())
		actualCost := g.estimator.ActualCost(modelCfg, inputTokens, outputTokens)
		g.enforcer.Commit(budgetIDs, actualCost)

		success := streamErr == nil
		if success {
			g.breakers.RecordSuccess(modelCfg.ModelID)
		} else {
			g.breakers.RecordFailure(modelCfg.ModelID)
			metrics.RecordProviderError(adapter.Provider(), errorKind(streamErr))
			errs <- streamErr
		}

		g.usageLog.Record(domain.UsageRecord{
			Timestamp:  time.Now(),
			UserID:     req.UserID,
			ModelUsed:  modelCfg.ModelID,
			Provider:   adapter.Provider(),
			LatencyMs:  time.Since(start).Milliseconds(),
			TokensUsed: inputTokens + outputTokens,
			CostUSD:    actualCost,
			Success:    success,
			TaskType:   req.TaskType,
			RequestID:  req.RequestID,
		})
		metrics.RecordRequest(adapter.Provider(), modelCfg.ModelID, streamStatus(success), time.Since(start).Seconds())
		metrics.RecordTokens(adapter.Provider(), modelCfg.ModelID, inputTokens, outputTokens)
		metrics.RecordCost(adapter.Provider(), modelCfg.ModelID, actualCost)
	}()

	return out, errs, nil
}

func streamStatus(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

type admission struct {
	req    domain.Request
	tier   domain.UserTier
	groups []string
}

// admit enriches the request and resolves the user tier and budget groups.
func (g *Gateway) admit(_ context.Context, req domain.Request) (admission, error) {
	g.mu.RLock()
	initialized := g.initialized
	g.mu.RUnlock()
	if !initialized {
		return admission{}, domain.ErrNotInitialized
	}

	enriched, err := g.enricher.Enrich(req)
	if err != nil {
		return admission{}, err
	}

	tier, _ := g.store.Tier(enriched.UserTier)
	return admission{req: enriched, tier: tier, groups: userGroups(enriched)}, nil
}

// userGroups derives budget group tags from the request: the explicit
// metadata list plus the tier id.
func userGroups(req domain.Request) []string {
	var groups []string
	for _, g := range strings.Split(req.Metadata["groups"], ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	if req.UserTier != "" {
		groups = append(groups, req.UserTier)
	}
	return groups
}

// dispatchTarget runs budget, rate limiting, routing, and the model-level
// rate check, returning the budgets to commit against and the adapter.
func (g *Gateway) dispatchTarget(req domain.Request, tier domain.UserTier, groups []string) ([]string, domain.ModelConfig, provider.Adapter, error) {
	estimated := g.estimateCost(req)
	budgetIDs, err := g.enforcer.Check(groups, estimated)
	if err != nil {
		var denial *domain.BudgetDenial
		if errors.As(err, &denial) {
			metrics.RecordBudgetDenial(denial.BudgetID)
		}
		return nil, domain.ModelConfig{}, nil, err
	}

	if err := g.limiter.Allow(req.UserID, tier.RateLimitMultiplier, "", 0); err != nil {
		var denial *domain.RateLimitDenial
		if errors.As(err, &denial) {
			metrics.RecordRateLimitDenial(denial.Dimension)
		}
		return nil, domain.ModelConfig{}, nil, err
	}

	modelID, err := g.router.Select(req, tier, g.availableModels(tier))
	if err != nil {
		return nil, domain.ModelConfig{}, nil, err
	}

	modelCfg, ok := g.store.Model(modelID)
	if !ok {
		modelCfg = fallbackConfig()
	}
	if err := g.limiter.AllowModel(modelID, modelCfg.RateLimitPerMin); err != nil {
		var denial *domain.RateLimitDenial
		if errors.As(err, &denial) {
			metrics.RecordRateLimitDenial(denial.Dimension)
		}
		return nil, domain.ModelConfig{}, nil, err
	}

	adapter, ok := g.adapter(modelID)
	if !ok {
		return nil, domain.ModelConfig{}, nil, domain.ErrNoHealthyModel
	}
	return budgetIDs, modelCfg, adapter, nil
}

// availableModels is the set the router chooses from: active, circuit
// admitted, and tier allowed. The fallback adapter is always included.
func (g *Gateway) availableModels(tier domain.UserTier) []domain.ModelConfig {
	var available []domain.ModelConfig
	for _, cfg := range g.store.ActiveModels() {
		if !tier.Allows(cfg.ModelID) {
			continue
		}
		if !g.breakers.CanProceed(cfg.ModelID) {
			continue
		}
		available = append(available, cfg)
	}
	if _, ok := g.adapter(domain.FallbackModelID); ok {
		available = append(available, fallbackConfig())
	}
	return available
}

// estimateCost projects the request's worst-case cost before the model is
// known, using the priciest active model's rates.
func (g *Gateway) estimateCost(req domain.Request) float64 {
	var worst float64
	for _, cfg := range g.store.ActiveModels() {
		if c := g.estimator.EstimateRequest(cfg, req.Prompt, req.MaxTokens); c > worst {
			worst = c
		}
	}
	return worst
}

func (g *Gateway) buildResponse(req domain.Request, modelCfg domain.ModelConfig, providerName string, result *provider.Result, elapsed time.Duration) *domain.Response {
	return &domain.Response{
		Content:      result.Content,
		ModelUsed:    modelCfg.ModelID,
		Provider:     providerName,
		RequestID:    req.RequestID,
		TokensUsed:   result.InputTokens + result.OutputTokens,
		CostEstimate: g.estimator.ActualCost(modelCfg, result.InputTokens, result.OutputTokens),
		LatencyMs:    elapsed.Milliseconds(),
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		Metadata:     map[string]string{},
	}
}

// handleGenerateError records the failure and attempts the error-fallback:
// one more call against the fallback adapter, returning degraded content
// with the original error kind in metadata. If the fallback also fails the
// original error surfaces.
func (g *Gateway) handleGenerateError(ctx context.Context, req domain.Request, modelCfg domain.ModelConfig, genErr error, start time.Time) (*domain.Response, error) {
	if errors.Is(genErr, context.DeadlineExceeded) {
		genErr = fmt.Errorf("%w: model %s", domain.ErrTimeout, modelCfg.ModelID)
	}

	g.breakers.RecordFailure(modelCfg.ModelID)
	metrics.RecordProviderError(modelCfg.Provider, errorKind(genErr))
	metrics.RecordRequest(modelCfg.Provider, modelCfg.ModelID, "error", time.Since(start).Seconds())
	g.logger.Error("provider call failed",
		"request_id", req.RequestID,
		"model_id", modelCfg.ModelID,
		"error", genErr,
	)

	fallback, ok := g.adapter(domain.FallbackModelID)
	if !ok || modelCfg.ModelID == domain.FallbackModelID {
		g.recordFailure(req, modelCfg, start)
		return nil, genErr
	}

	result, err := fallback.Generate(ctx, req)
	if err != nil {
		g.recordFailure(req, modelCfg, start)
		return nil, genErr
	}

	fbCfg := fallbackConfig()
	resp := g.buildResponse(req, fbCfg, fallback.Provider(), result, time.Since(start))
	resp.Content = degradedPreface + result.Content
	resp.Metadata["error"] = errorKind(genErr)

	g.recordUsage(req, resp, true)
	metrics.RecordRequest(resp.Provider, resp.ModelUsed, "degraded", time.Since(start).Seconds())
	return resp, nil
}

func (g *Gateway) recordFailure(req domain.Request, modelCfg domain.ModelConfig, start time.Time) {
	g.usageLog.Record(domain.UsageRecord{
		Timestamp: time.Now(),
		UserID:    req.UserID,
		ModelUsed: modelCfg.ModelID,
		Provider:  modelCfg.Provider,
		LatencyMs: time.Since(start).Milliseconds(),
		Success:   false,
		TaskType:  req.TaskType,
		RequestID: req.RequestID,
	})
}

func (g *Gateway) recordUsage(req domain.Request, resp *domain.Response, success bool) {
	g.usageLog.Record(domain.UsageRecord{
		Timestamp:  time.Now(),
		UserID:     req.UserID,
		ModelUsed:  resp.ModelUsed,
		Provider:   resp.Provider,
		LatencyMs:  resp.LatencyMs,
		TokensUsed: resp.TokensUsed,
		CostUSD:    resp.CostEstimate,
		Success:    success,
		Cached:     resp.Cached,
		TaskType:   req.TaskType,
		RequestID:  req.RequestID,
	})
}

// errorKind maps an error to the taxonomy name carried in metadata and
// metric labels.
func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, domain.ErrSecretFetch):
		return "secret_fetch"
	case errors.Is(err, domain.ErrProvider):
		return "provider_error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}
