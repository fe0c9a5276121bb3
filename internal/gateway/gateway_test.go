package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/notifications"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/usage"
)

// stubControl steers the stub adapters from the test after the gateway has
// built them.
type stubControl struct {
	mu          sync.Mutex
	fail        map[string]bool
	calls       map[string]int
	streamBlock bool
}

func newStubControl() *stubControl {
	return &stubControl{fail: make(map[string]bool), calls: make(map[string]int)}
}

func (c *stubControl) setStreamBlock(block bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamBlock = block
}

func (c *stubControl) setFail(modelID string, fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[modelID] = fail
}

func (c *stubControl) callCount(modelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[modelID]
}

type stubAdapter struct {
	cfg domain.ModelConfig
	ctl *stubControl
}

func (a *stubAdapter) ModelID() string  { return a.cfg.ModelID }
func (a *stubAdapter) Provider() string { return a.cfg.Provider }

func (a *stubAdapter) Generate(_ context.Context, _ domain.Request) (*provider.Result, error) {
	a.ctl.mu.Lock()
	a.ctl.calls[a.cfg.ModelID]++
	fail := a.ctl.fail[a.cfg.ModelID]
	a.ctl.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("%w: stub refused", domain.ErrProvider)
	}
	return &provider.Result{
		Content:      "reply from " + a.cfg.ModelID,
		InputTokens:  10,
		OutputTokens: 20,
	}, nil
}

func (a *stubAdapter) Stream(ctx context.Context, _ domain.Request) (<-chan domain.StreamChunk, <-chan error) {
	out := make(chan domain.StreamChunk)
	errs := make(chan error)

	a.ctl.mu.Lock()
	block := a.ctl.streamBlock
	a.ctl.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errs)

		for _, chunk := range []domain.StreamChunk{{Content: "streamed "}, {Content: "reply"}} {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if block {
			// Hold the stream open until the caller cancels.
			<-ctx.Done()
			return
		}
		select {
		case out <- domain.StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, errs
}

func (a *stubAdapter) HealthCheck(context.Context) provider.Health {
	return provider.Health{Healthy: true}
}

func (a *stubAdapter) EstimateCost(string, int) float64 { return 0 }

func stubModel(id string, priority int) domain.ModelConfig {
	return domain.ModelConfig{
		ModelID:          id,
		Provider:         "stub",
		WireName:         id,
		Active:           true,
		Priority:         priority,
		InputCostPer1K:   1,
		OutputCostPer1K:  1,
		MaxTokens:        1000,
		SupportsStream:   true,
		FailureThreshold: 2,
		RecoveryTimeout:  60,
	}
}

func testDocument() domain.ExportDocument {
	return domain.ExportDocument{
		Models: []domain.ModelConfig{stubModel("m1", 1), stubModel("m2", 2)},
		Budgets: []domain.BudgetConfig{
			{BudgetID: "global", LimitUSD: 100, Period: domain.PeriodDaily},
		},
	}
}

func newTestGateway(t *testing.T, doc domain.ExportDocument, ctl *stubControl) (*Gateway, *usage.MemorySink) {
	t.Helper()

	registry := provider.NewRegistry()
	registry.Register("stub", func(cfg domain.ModelConfig, _ provider.Deps) provider.Adapter {
		return &stubAdapter{cfg: cfg, ctl: ctl}
	})
	registry.Register(domain.FallbackModelID, provider.NewFallback)

	store := config.NewInMemoryStore()
	if err := store.Import(doc); err != nil {
		t.Fatalf("Import: %v", err)
	}

	sink := usage.NewMemorySink()
	g := New(Options{
		Store:           store,
		Registry:        registry,
		Sink:            sink,
		Logger:          slog.New(slog.NewJSONHandler(io.Discard, nil)),
		HealthInterval:  time.Hour,
		UsageFlushBatch: 1,
	})
	if err := g.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { g.Shutdown(context.Background()) })
	return g, sink
}

func waitForRecords(t *testing.T, sink *usage.MemorySink, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for sink.Len() < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.Len() < want {
		t.Fatalf("usage records = %d, want at least %d", sink.Len(), want)
	}
}

func TestProcessRequestSuccess(t *testing.T) {
	ctl := newStubControl()
	g, sink := newTestGateway(t, testDocument(), ctl)

	resp, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "hello", UserID: "u1"})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}

	if resp.ModelUsed != "m1" {
		t.Errorf("model = %s, want the highest priority m1", resp.ModelUsed)
	}
	if resp.Content != "reply from m1" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TokensUsed != 30 {
		t.Errorf("tokens = %d, want 30", resp.TokensUsed)
	}
	// 10 input + 20 output at $1 per 1K each.
	if resp.CostEstimate != 0.03 {
		t.Errorf("cost = %f, want 0.03", resp.CostEstimate)
	}
	if resp.Cached {
		t.Error("first response should not be cached")
	}
	if resp.RequestID == "" {
		t.Error("request id missing")
	}

	waitForRecords(t, sink, 1)
	records, _ := sink.Query(context.Background(), time.Time{}, "u1")
	if len(records) != 1 || !records[0].Success || records[0].CostUSD != 0.03 {
		t.Errorf("usage record = %+v", records)
	}
}

func TestProcessRequestBeforeInitialize(t *testing.T) {
	g := New(Options{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))})

	_, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "hello", UserID: "u1"})
	if !errors.Is(err, domain.ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestProcessRequestRejectsInvalid(t *testing.T) {
	ctl := newStubControl()
	g, _ := newTestGateway(t, testDocument(), ctl)

	_, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "   ", UserID: "u1"})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
	if ctl.callCount("m1") != 0 {
		t.Error("invalid request reached a provider")
	}
}

func TestCacheHitServesStoredResponse(t *testing.T) {
	ctl := newStubControl()
	g, _ := newTestGateway(t, testDocument(), ctl)

	req := domain.Request{Prompt: "what is the capital of France", UserID: "u1"}
	first, err := g.ProcessRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}

	req.UserID = "u2" // the fingerprint ignores identity fields
	second, err := g.ProcessRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}

	if !second.Cached {
		t.Error("second response should be a cache hit")
	}
	if second.Content != first.Content {
		t.Errorf("cached content %q differs from original %q", second.Content, first.Content)
	}
	if second.UserID != "u2" {
		t.Errorf("cached response user = %s, want rewritten to u2", second.UserID)
	}
	if second.CostEstimate != 0 {
		t.Errorf("cache hit cost = %f, want 0", second.CostEstimate)
	}
	if ctl.callCount("m1") != 1 {
		t.Errorf("provider calls = %d, want 1", ctl.callCount("m1"))
	}
}

func TestBudgetDenialBlocksDispatch(t *testing.T) {
	doc := testDocument()
	doc.Budgets = []domain.BudgetConfig{
		{BudgetID: "global", LimitUSD: 0.0001, Period: domain.PeriodDaily},
	}
	ctl := newStubControl()
	g, _ := newTestGateway(t, doc, ctl)

	_, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "hello", UserID: "u1", MaxTokens: 500})
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	if ctl.callCount("m1") != 0 {
		t.Error("denied request reached a provider")
	}
}

func TestProviderFailureFallsBackDegraded(t *testing.T) {
	ctl := newStubControl()
	g, _ := newTestGateway(t, testDocument(), ctl)
	ctl.setFail("m1", true)

	resp, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "hello", UserID: "u1"})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}

	if resp.ModelUsed != domain.FallbackModelID {
		t.Errorf("model = %s, want fallback", resp.ModelUsed)
	}
	if !strings.HasPrefix(resp.Content, "Service temporarily unavailable. ") {
		t.Errorf("content = %q, want degraded preface", resp.Content)
	}
	if resp.Metadata["error"] != "provider_error" {
		t.Errorf("metadata error = %q, want provider_error", resp.Metadata["error"])
	}
}

func TestCircuitOpensAndRoutesAway(t *testing.T) {
	ctl := newStubControl()
	g, _ := newTestGateway(t, testDocument(), ctl)
	ctl.setFail("m1", true)

	// Two failures trip the threshold. Prompts vary to sidestep the cache.
	for i := 0; i < 2; i++ {
		resp, err := g.ProcessRequest(context.Background(), domain.Request{
			Prompt: fmt.Sprintf("attempt %d", i),
			UserID: "u1",
		})
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if resp.ModelUsed != domain.FallbackModelID {
			t.Fatalf("attempt %d routed to %s, want degraded fallback", i, resp.ModelUsed)
		}
	}
	if ctl.callCount("m1") != 2 {
		t.Fatalf("m1 calls = %d, want 2", ctl.callCount("m1"))
	}

	// With m1's circuit open the router lands on the next priority model.
	resp, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "after trip", UserID: "u1"})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if resp.ModelUsed != "m2" {
		t.Errorf("model = %s, want m2", resp.ModelUsed)
	}
	if strings.HasPrefix(resp.Content, "Service temporarily unavailable.") {
		t.Error("healthy model response should not be degraded")
	}
	if ctl.callCount("m1") != 2 {
		t.Errorf("open circuit still admitted m1: %d calls", ctl.callCount("m1"))
	}
}

func TestABAssignmentStableAcrossRequests(t *testing.T) {
	doc := testDocument()
	doc.ABTests = []domain.ABTest{{
		TestID:       "m1-vs-m2",
		Start:        time.Now().Add(-time.Hour),
		End:          time.Now().Add(time.Hour),
		TrafficSplit: map[string]float64{"A": 0.5, "B": 0.5},
		Variants:     map[string][]string{"A": {"m1"}, "B": {"m2"}},
	}}
	ctl := newStubControl()
	g, _ := newTestGateway(t, doc, ctl)

	var assigned string
	for i := 0; i < 6; i++ {
		resp, err := g.ProcessRequest(context.Background(), domain.Request{
			Prompt: fmt.Sprintf("question %d", i),
			UserID: "sticky-user",
		})
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if assigned == "" {
			assigned = resp.ModelUsed
		} else if resp.ModelUsed != assigned {
			t.Fatalf("request %d got %s, earlier requests got %s", i, resp.ModelUsed, assigned)
		}
	}
	if assigned != "m1" && assigned != "m2" {
		t.Errorf("assigned model = %s, want a test variant", assigned)
	}
}

func TestProcessStream(t *testing.T) {
	ctl := newStubControl()
	g, sink := newTestGateway(t, testDocument(), ctl)

	chunks, errs, err := g.ProcessStream(context.Background(), domain.Request{Prompt: "hello", UserID: "u1"})
	if err != nil {
		t.Fatalf("ProcessStream: %v", err)
	}

	var content strings.Builder
	var sawDone bool
	for chunk := range chunks {
		content.WriteString(chunk.Content)
		if chunk.Done {
			sawDone = true
		}
	}
	if streamErr := <-errs; streamErr != nil {
		t.Fatalf("stream error: %v", streamErr)
	}

	if content.String() != "streamed reply" {
		t.Errorf("streamed content = %q", content.String())
	}
	if !sawDone {
		t.Error("terminal chunk missing")
	}

	waitForRecords(t, sink, 1)
	records, _ := sink.Query(context.Background(), time.Time{}, "u1")
	if len(records) != 1 || !records[0].Success || records[0].TokensUsed == 0 {
		t.Errorf("usage record = %+v", records)
	}
}

func TestProcessStreamCancellation(t *testing.T) {
	ctl := newStubControl()
	g, sink := newTestGateway(t, testDocument(), ctl)
	ctl.setStreamBlock(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks, errs, err := g.ProcessStream(ctx, domain.Request{Prompt: "cancel me", UserID: "u1"})
	if err != nil {
		t.Fatalf("ProcessStream: %v", err)
	}

	received := 0
	for range chunks {
		received++
		if received == 2 {
			cancel()
		}
	}
	if received != 2 {
		t.Fatalf("received %d chunks before cancellation, want 2", received)
	}
	if streamErr := <-errs; !errors.Is(streamErr, context.Canceled) {
		t.Fatalf("stream error = %v, want context.Canceled", streamErr)
	}

	// Partial tokens are accounted even though the stream failed.
	waitForRecords(t, sink, 1)
	records, _ := sink.Query(context.Background(), time.Time{}, "u1")
	if len(records) != 1 || records[0].Success || records[0].TokensUsed == 0 {
		t.Errorf("usage record = %+v, want failed with partial tokens", records)
	}

	// The cancelled stream must not have populated the cache.
	resp, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "cancel me", UserID: "u1"})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if resp.Cached {
		t.Error("cancelled stream left a cache entry")
	}
	if ctl.callCount("m1") != 1 {
		t.Errorf("provider calls = %d, want 1 fresh call", ctl.callCount("m1"))
	}
}

// vetoDedup suppresses every alert and counts how often it was consulted.
type vetoDedup struct {
	mu    sync.Mutex
	asked int
}

func (d *vetoDedup) ShouldAlert(string, float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asked++
	return false
}

func (d *vetoDedup) ClearAlerts(string) {}

func (d *vetoDedup) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.asked
}

func TestBudgetAlertsRespectConfiguredDeduplicator(t *testing.T) {
	ctl := newStubControl()
	registry := provider.NewRegistry()
	registry.Register("stub", func(cfg domain.ModelConfig, _ provider.Deps) provider.Adapter {
		return &stubAdapter{cfg: cfg, ctl: ctl}
	})
	registry.Register(domain.FallbackModelID, provider.NewFallback)

	doc := testDocument()
	doc.Budgets = []domain.BudgetConfig{
		{BudgetID: "global", LimitUSD: 100, Period: domain.PeriodDaily, AlertThresholds: []float64{0.0001}},
	}
	store := config.NewInMemoryStore()
	if err := store.Import(doc); err != nil {
		t.Fatalf("Import: %v", err)
	}

	notifier := notifications.NewInMemoryNotifier()
	dedup := &vetoDedup{}
	g := New(Options{
		Store:           store,
		Registry:        registry,
		Notifier:        notifier,
		Dedup:           dedup,
		Logger:          slog.New(slog.NewJSONHandler(io.Discard, nil)),
		HealthInterval:  time.Hour,
		UsageFlushBatch: 1,
	})
	if err := g.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { g.Shutdown(context.Background()) })

	// One committed request crosses the near-zero threshold.
	if _, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "hello", UserID: "u1"}); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}

	if dedup.count() == 0 {
		t.Fatal("configured deduplicator was never consulted")
	}
	for _, n := range notifier.Notifications() {
		if n.Type == notifications.TypeBudgetWarning || n.Type == notifications.TypeBudgetExceeded {
			t.Errorf("suppressed alert still produced notification %+v", n)
		}
	}
}

func TestReloadBudgetsTightensLimit(t *testing.T) {
	ctl := newStubControl()
	g, _ := newTestGateway(t, testDocument(), ctl)

	if _, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "hello", UserID: "u1"}); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}

	// Edit the stored budget well below the usage already committed and
	// reload; the in-period spend survives, so the next request is denied.
	doc := testDocument()
	doc.Budgets[0].LimitUSD = 0.0001
	if err := g.store.Import(doc); err != nil {
		t.Fatalf("Import: %v", err)
	}
	g.ReloadBudgets()

	_, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "another question", UserID: "u1"})
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded after reload", err)
	}
}

func TestGetProviderStatus(t *testing.T) {
	ctl := newStubControl()
	g, _ := newTestGateway(t, testDocument(), ctl)

	status, err := g.GetProviderStatus(context.Background())
	if err != nil {
		t.Fatalf("GetProviderStatus: %v", err)
	}

	// m1, m2, and the always-present fallback.
	if status.ActiveModels != 3 {
		t.Errorf("active models = %d, want 3", status.ActiveModels)
	}
	if status.LastProbe.IsZero() {
		t.Error("last probe not set")
	}
	for _, m := range status.Models {
		if m.CircuitState != "closed" {
			t.Errorf("model %s circuit = %s, want closed", m.ModelID, m.CircuitState)
		}
		if !m.Health.Healthy && m.ModelID != domain.FallbackModelID {
			t.Errorf("model %s unhealthy after probe", m.ModelID)
		}
	}
}

func TestAdminToggleModelRemovesAdapter(t *testing.T) {
	ctl := newStubControl()
	g, _ := newTestGateway(t, testDocument(), ctl)

	if err := g.AdminToggleModel("m1", false); err != nil {
		t.Fatalf("AdminToggleModel: %v", err)
	}

	resp, err := g.ProcessRequest(context.Background(), domain.Request{Prompt: "hello", UserID: "u1"})
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if resp.ModelUsed != "m2" {
		t.Errorf("model = %s, want m2 after deactivating m1", resp.ModelUsed)
	}
	if ctl.callCount("m1") != 0 {
		t.Error("deactivated model received a call")
	}
}
