// Package gateway orchestrates the request pipeline: enrichment, cache,
// budget, rate limiting, routing, circuit breaking, provider dispatch, and
// usage accounting.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/budget"
	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/cost"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/httputil"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/notifications"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/secrets"
	"github.com/modelrelay/modelrelay/internal/usage"
)

const (
	// DefaultRequestTimeout caps the whole request pipeline.
	DefaultRequestTimeout = 30 * time.Second
	// providerTimeoutMargin is reserved from the request budget for
	// everything around the provider call.
	providerTimeoutMargin = 5 * time.Second
)

// Options configures a Gateway. Zero-value collaborators get in-memory
// defaults.
type Options struct {
	Store    config.Store
	Secrets  *secrets.Manager
	Registry *provider.Registry
	Cache    cache.Store
	Sink     usage.Sink
	Notifier notifications.Notifier
	Logger   *slog.Logger
	Client   *http.Client

	// Dedup suppresses repeat budget alerts; nil gets the in-memory
	// deduplicator. Multi-instance deployments pass the Redis one.
	Dedup budget.AlertDeduplicator

	// ProviderBaseURL overrides every adapter endpoint; tests point it at
	// a local server.
	ProviderBaseURL string

	HealthInterval  time.Duration
	RequestTimeout  time.Duration
	UsageFlushBatch int
}

// Gateway is the unified entry point for completion requests.
type Gateway struct {
	mu          sync.RWMutex
	initialized bool
	adapters    map[string]provider.Adapter

	store    config.Store
	secrets  *secrets.Manager
	registry *provider.Registry
	cache    cache.Store
	notifier notifications.Notifier
	logger   *slog.Logger
	client   *http.Client

	breakers  *circuitbreaker.Manager
	limiter   *ratelimit.Limiter
	enforcer  *budget.Enforcer
	router    *router.Router
	enricher  *Enricher
	estimator *cost.Estimator
	usageLog  *usage.Logger
	monitor   *health.Monitor

	providerBaseURL string
	requestTimeout  time.Duration
	providerTimeout time.Duration
	healthInterval  time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(opts Options) *Gateway {
	if opts.Store == nil {
		opts.Store = config.NewInMemoryStore()
	}
	if opts.Registry == nil {
		opts.Registry = provider.DefaultRegistry()
	}
	if opts.Sink == nil {
		opts.Sink = usage.NewMemorySink()
	}
	if opts.Notifier == nil {
		opts.Notifier = notifications.NewInMemoryNotifier()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Client == nil {
		opts.Client = httputil.DefaultClient()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = health.DefaultInterval
	}

	providerTimeout := opts.RequestTimeout - providerTimeoutMargin
	if providerTimeout < time.Second {
		providerTimeout = time.Second
	}

	g := &Gateway{
		adapters:        make(map[string]provider.Adapter),
		store:           opts.Store,
		secrets:         opts.Secrets,
		registry:        opts.Registry,
		cache:           opts.Cache,
		notifier:        opts.Notifier,
		logger:          opts.Logger,
		client:          opts.Client,
		breakers:        circuitbreaker.NewManager(),
		enforcer:        budget.NewEnforcer(opts.Dedup),
		enricher:        NewEnricher(),
		estimator:       cost.NewEstimator(),
		usageLog:        usage.NewLogger(opts.Sink, opts.UsageFlushBatch, 0, opts.Logger),
		providerBaseURL: opts.ProviderBaseURL,
		requestTimeout:  opts.RequestTimeout,
		providerTimeout: providerTimeout,
		healthInterval:  opts.HealthInterval,
	}
	g.router = router.New(opts.Store)
	return g
}

// Initialize loads configuration, builds one adapter per active model plus
// the fallback adapter, runs one synchronous health probe, and starts the
// background loops. It must be called before any request.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.initialized {
		return nil
	}

	if err := g.store.LoadConfigurations(ctx); err != nil {
		return fmt.Errorf("load configurations: %w", err)
	}

	if g.cache == nil {
		g.cache = cache.NewInMemoryStore(g.store.Caching().Capacity)
	}
	g.limiter = ratelimit.New(g.store.RateLimit())
	g.enforcer.SetBudgets(g.store.Budgets())
	g.enforcer.OnAlert(g.handleBudgetAlert)

	g.adapters = make(map[string]provider.Adapter)
	for _, cfg := range g.store.ActiveModels() {
		if err := g.installAdapterLocked(cfg); err != nil {
			return err
		}
	}
	if _, ok := g.adapters[domain.FallbackModelID]; !ok {
		if err := g.installAdapterLocked(fallbackConfig()); err != nil {
			return err
		}
	}

	g.monitor = health.NewMonitor(g.adapterList, g.breakers, g.notifier, g.healthInterval, g.logger)
	g.monitor.ProbeAll(ctx)

	g.stop = make(chan struct{})
	g.wg.Add(3)
	go func() { defer g.wg.Done(); g.monitor.Run(g.stop) }()
	go func() { defer g.wg.Done(); g.usageLog.RunFlushLoop(g.stop, 0) }()
	go func() { defer g.wg.Done(); g.enforcer.RunResetLoop(g.stop, time.Minute) }()

	g.initialized = true
	g.logger.Info("gateway initialized",
		"models", len(g.adapters),
		"health_interval", g.healthInterval,
	)
	return nil
}

// fallbackConfig is the synthetic model behind the adapter of last resort.
func fallbackConfig() domain.ModelConfig {
	return domain.ModelConfig{
		ModelID:  domain.FallbackModelID,
		Provider: domain.FallbackModelID,
		WireName: domain.FallbackModelID,
		Active:   true,
		Priority: 5,
	}
}

func (g *Gateway) installAdapterLocked(cfg domain.ModelConfig) error {
	adapter, err := g.registry.Build(cfg, provider.Deps{
		Secrets:   g.secrets,
		Client:    g.client,
		Estimator: g.estimator,
		BaseURL:   g.providerBaseURL,
	})
	if err != nil {
		return err
	}

	g.adapters[cfg.ModelID] = adapter
	g.breakers.Add(cfg.ModelID, circuitbreaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.RecoveryTimeout) * time.Second,
	})
	return nil
}

// adapterList snapshots the current adapters for the health monitor.
func (g *Gateway) adapterList() []provider.Adapter {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]provider.Adapter, 0, len(g.adapters))
	for _, a := range g.adapters {
		out = append(out, a)
	}
	return out
}

func (g *Gateway) adapter(modelID string) (provider.Adapter, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.adapters[modelID]
	return a, ok
}

func (g *Gateway) handleBudgetAlert(alert budget.Alert) {
	metrics.SetBudgetUsage(alert.BudgetID, alert.CurrentUsage/alert.LimitUSD)

	kind := notifications.TypeBudgetWarning
	subject := "budget threshold crossed"
	if alert.Threshold >= 1.0 {
		kind = notifications.TypeBudgetExceeded
		subject = "budget exceeded"
	}
	err := g.notifier.Send(context.Background(), notifications.Notification{
		Type:    kind,
		Subject: subject,
		Message: fmt.Sprintf("budget %s at %.1f%% of $%.2f", alert.BudgetID, alert.Threshold*100, alert.LimitUSD),
		Data: map[string]any{
			"budget_id":     alert.BudgetID,
			"threshold":     alert.Threshold,
			"current_usage": alert.CurrentUsage,
			"limit_usd":     alert.LimitUSD,
		},
	})
	if err != nil {
		g.logger.Error("budget alert notification failed", "budget_id", alert.BudgetID, "error", err)
	}
}

// AdminAddModel validates and stores a model configuration and, when the
// model is active, installs its adapter and breaker atomically.
func (g *Gateway) AdminAddModel(cfg domain.ModelConfig) error {
	if err := g.store.AddModel(cfg); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized {
		return nil
	}
	if cfg.Active {
		return g.installAdapterLocked(cfg)
	}
	delete(g.adapters, cfg.ModelID)
	g.breakers.Remove(cfg.ModelID)
	return nil
}

// AdminToggleModel flips a model's active flag. Deactivation removes the
// adapter and its breaker; in-flight requests keep their chosen adapter.
func (g *Gateway) AdminToggleModel(modelID string, active bool) error {
	if err := g.store.ToggleModel(modelID, active); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized {
		return nil
	}

	if !active {
		delete(g.adapters, modelID)
		g.breakers.Remove(modelID)
		return nil
	}
	cfg, ok := g.store.Model(modelID)
	if !ok {
		return fmt.Errorf("unknown model %s", modelID)
	}
	return g.installAdapterLocked(cfg)
}

// ReloadBudgets reapplies the store's budget configuration. The file
// store's hot-reload hook calls this so edited limits take effect without
// a restart; in-period usage is preserved.
func (g *Gateway) ReloadBudgets() {
	g.enforcer.SetBudgets(g.store.Budgets())
}

// ModelStatus is one model's row in the status snapshot.
type ModelStatus struct {
	ModelID      string          `json:"model_id"`
	Provider     string          `json:"provider"`
	Active       bool            `json:"active"`
	CircuitState string          `json:"circuit_state"`
	Health       provider.Health `json:"health"`
}

// Status is the operational snapshot returned by GetProviderStatus.
type Status struct {
	Models       []ModelStatus        `json:"models"`
	CacheStats   cache.Stats          `json:"cache_stats"`
	Budgets      []domain.BudgetUsage `json:"budgets"`
	ActiveModels int                  `json:"active_models"`
	TotalModels  int                  `json:"total_models"`
	LastProbe    time.Time            `json:"last_probe"`
}

// GetProviderStatus reports per-model health, circuit states, cache stats,
// and budget usage. A stale probe (older than the health interval) is
// refreshed first.
func (g *Gateway) GetProviderStatus(ctx context.Context) (*Status, error) {
	g.mu.RLock()
	initialized := g.initialized
	g.mu.RUnlock()
	if !initialized {
		return nil, domain.ErrNotInitialized
	}

	g.monitor.ProbeIfStale(ctx)

	healths := g.monitor.Statuses()
	circuits := g.breakers.States()

	status := &Status{
		CacheStats:  g.cache.Stats(),
		Budgets:     g.enforcer.Snapshot(),
		TotalModels: len(g.store.Models()),
		LastProbe:   g.monitor.LastProbe(),
	}

	for _, a := range g.adapterList() {
		id := a.ModelID()
		status.Models = append(status.Models, ModelStatus{
			ModelID:      id,
			Provider:     a.Provider(),
			Active:       true,
			CircuitState: circuits[id],
			Health:       healths[id],
		})
		status.ActiveModels++
	}
	sort.Slice(status.Models, func(i, j int) bool { return status.Models[i].ModelID < status.Models[j].ModelID })

	return status, nil
}

// Shutdown stops the background loops, flushes buffered usage, clears the
// adapter set, and marks the gateway uninitialized.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	if !g.initialized {
		g.mu.Unlock()
		return
	}
	g.initialized = false
	close(g.stop)
	g.mu.Unlock()

	g.wg.Wait()
	g.usageLog.Flush(ctx)

	g.mu.Lock()
	g.adapters = make(map[string]provider.Adapter)
	g.mu.Unlock()

	g.logger.Info("gateway shut down")
}
