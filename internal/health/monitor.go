// Package health probes provider adapters in the background and feeds the
// results into the circuit breakers.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/notifications"
	"github.com/modelrelay/modelrelay/internal/provider"
)

const (
	// DefaultInterval is the cadence of periodic probes.
	DefaultInterval = 60 * time.Second
	// DefaultProbeTimeout caps each individual adapter probe.
	DefaultProbeTimeout = 5 * time.Second
)

// Monitor probes every adapter on an interval. An unhealthy probe counts as
// a breaker failure so the router steers away before a request has to fail.
type Monitor struct {
	adapters func() []provider.Adapter
	breakers *circuitbreaker.Manager
	notifier notifications.Notifier
	logger   *slog.Logger

	interval     time.Duration
	probeTimeout time.Duration

	mu        sync.RWMutex
	statuses  map[string]provider.Health
	lastProbe time.Time
}

func NewMonitor(adapters func() []provider.Adapter, breakers *circuitbreaker.Manager, notifier notifications.Notifier, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		adapters:     adapters,
		breakers:     breakers,
		notifier:     notifier,
		logger:       logger,
		interval:     interval,
		probeTimeout: DefaultProbeTimeout,
		statuses:     make(map[string]provider.Health),
	}
}

// ProbeAll checks every adapter concurrently and records the outcomes.
func (m *Monitor) ProbeAll(ctx context.Context) {
	adapters := m.adapters()

	results := make(map[string]provider.Health, len(adapters))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, a := range adapters {
		wg.Add(1)
		go func(a provider.Adapter) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			defer cancel()

			h := a.HealthCheck(probeCtx)

			resultsMu.Lock()
			results[a.ModelID()] = h
			resultsMu.Unlock()
		}(a)
	}
	wg.Wait()

	m.record(ctx, results)
}

func (m *Monitor) record(ctx context.Context, results map[string]provider.Health) {
	type transition struct {
		modelID string
		up      bool
		errMsg  string
	}
	var transitions []transition

	m.mu.Lock()
	for modelID, h := range results {
		prev, known := m.statuses[modelID]
		m.statuses[modelID] = h

		if h.Healthy {
			m.breakers.RecordSuccess(modelID)
		} else {
			m.breakers.RecordFailure(modelID)
		}

		if known && prev.Healthy != h.Healthy {
			transitions = append(transitions, transition{modelID: modelID, up: h.Healthy, errMsg: h.Error})
		}
	}
	// Drop models that no longer have an adapter.
	for modelID := range m.statuses {
		if _, ok := results[modelID]; !ok {
			delete(m.statuses, modelID)
		}
	}
	m.lastProbe = time.Now()
	m.mu.Unlock()

	for modelID, state := range m.breakers.States() {
		metrics.SetCircuitBreakerState(modelID, stateGauge(state))
	}

	for _, t := range transitions {
		m.notifyTransition(ctx, t.modelID, t.up, t.errMsg)
	}
}

func (m *Monitor) notifyTransition(ctx context.Context, modelID string, up bool, errMsg string) {
	if m.notifier == nil {
		return
	}

	n := notifications.Notification{
		Type:    notifications.TypeProviderDown,
		Subject: "provider unhealthy",
		Message: "model " + modelID + " failed its health probe",
		Data:    map[string]any{"model_id": modelID, "error": errMsg},
	}
	if up {
		n = notifications.Notification{
			Type:    notifications.TypeProviderUp,
			Subject: "provider recovered",
			Message: "model " + modelID + " passed its health probe",
			Data:    map[string]any{"model_id": modelID},
		}
	}
	if err := m.notifier.Send(ctx, n); err != nil {
		m.logger.Error("health notification failed", "model_id", modelID, "error", err)
	}
}

// stateGauge maps a breaker state name to the exported gauge value
// (0=closed, 1=half-open, 2=open).
func stateGauge(state string) int {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// ProbeIfStale probes when the last probe is older than the interval.
func (m *Monitor) ProbeIfStale(ctx context.Context) {
	m.mu.RLock()
	stale := time.Since(m.lastProbe) > m.interval
	m.mu.RUnlock()

	if stale {
		m.ProbeAll(ctx)
	}
}

// Statuses returns a snapshot of the latest probe results.
func (m *Monitor) Statuses() map[string]provider.Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]provider.Health, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// LastProbe returns when ProbeAll last completed.
func (m *Monitor) LastProbe() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastProbe
}

// Run probes on the interval until stop is closed.
func (m *Monitor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.ProbeAll(context.Background())
		case <-stop:
			return
		}
	}
}
