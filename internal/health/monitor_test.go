package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/notifications"
	"github.com/modelrelay/modelrelay/internal/provider"
)

// probeAdapter is an Adapter whose health the test flips at will.
type probeAdapter struct {
	modelID string

	mu      sync.Mutex
	healthy bool
}

func (a *probeAdapter) setHealthy(h bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = h
}

func (a *probeAdapter) ModelID() string  { return a.modelID }
func (a *probeAdapter) Provider() string { return "probe" }

func (a *probeAdapter) Generate(context.Context, domain.Request) (*provider.Result, error) {
	return &provider.Result{Content: "ok"}, nil
}

func (a *probeAdapter) Stream(context.Context, domain.Request) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error)
	close(chunks)
	close(errs)
	return chunks, errs
}

func (a *probeAdapter) HealthCheck(context.Context) provider.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.healthy {
		return provider.Health{Error: "probe refused"}
	}
	return provider.Health{Healthy: true, LatencyMs: 1}
}

func (a *probeAdapter) EstimateCost(string, int) float64 { return 0 }

func newTestMonitor(adapters ...*probeAdapter) (*Monitor, *circuitbreaker.Manager, *notifications.InMemoryNotifier) {
	breakers := circuitbreaker.NewManager()
	for _, a := range adapters {
		breakers.Add(a.modelID, circuitbreaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute})
	}

	notifier := notifications.NewInMemoryNotifier()
	list := func() []provider.Adapter {
		out := make([]provider.Adapter, len(adapters))
		for i, a := range adapters {
			out[i] = a
		}
		return out
	}
	return NewMonitor(list, breakers, notifier, time.Hour, nil), breakers, notifier
}

func TestProbeAllRecordsStatuses(t *testing.T) {
	up := &probeAdapter{modelID: "m1", healthy: true}
	down := &probeAdapter{modelID: "m2"}
	m, _, _ := newTestMonitor(up, down)

	m.ProbeAll(context.Background())

	statuses := m.Statuses()
	if !statuses["m1"].Healthy {
		t.Errorf("m1 status = %+v, want healthy", statuses["m1"])
	}
	if statuses["m2"].Healthy || statuses["m2"].Error == "" {
		t.Errorf("m2 status = %+v, want unhealthy with error", statuses["m2"])
	}
	if m.LastProbe().IsZero() {
		t.Error("last probe not recorded")
	}
}

func TestFailedProbesTripBreaker(t *testing.T) {
	down := &probeAdapter{modelID: "m1"}
	m, breakers, _ := newTestMonitor(down)

	m.ProbeAll(context.Background())
	if !breakers.CanProceed("m1") {
		t.Fatal("one failed probe should not trip a threshold of 2")
	}

	m.ProbeAll(context.Background())
	if breakers.CanProceed("m1") {
		t.Error("two failed probes should open the breaker")
	}
}

func TestTransitionsNotifyOnce(t *testing.T) {
	a := &probeAdapter{modelID: "m1", healthy: true}
	m, _, notifier := newTestMonitor(a)

	// First observation establishes a baseline without notifying.
	m.ProbeAll(context.Background())
	if got := len(notifier.Notifications()); got != 0 {
		t.Fatalf("baseline probe sent %d notifications", got)
	}

	a.setHealthy(false)
	m.ProbeAll(context.Background())
	sent := notifier.Notifications()
	if len(sent) != 1 || sent[0].Type != notifications.TypeProviderDown {
		t.Fatalf("notifications after going down = %+v", sent)
	}

	// Staying down is not a transition.
	m.ProbeAll(context.Background())
	if got := len(notifier.Notifications()); got != 1 {
		t.Errorf("repeat unhealthy probe sent %d notifications", got)
	}

	a.setHealthy(true)
	m.ProbeAll(context.Background())
	sent = notifier.Notifications()
	if len(sent) != 2 || sent[1].Type != notifications.TypeProviderUp {
		t.Errorf("notifications after recovery = %+v", sent)
	}
}

func TestVanishedAdaptersDropFromStatuses(t *testing.T) {
	a := &probeAdapter{modelID: "m1", healthy: true}
	b := &probeAdapter{modelID: "m2", healthy: true}

	adapters := []*probeAdapter{a, b}
	var mu sync.Mutex
	breakers := circuitbreaker.NewManager()
	list := func() []provider.Adapter {
		mu.Lock()
		defer mu.Unlock()
		out := make([]provider.Adapter, len(adapters))
		for i, ad := range adapters {
			out[i] = ad
		}
		return out
	}
	m := NewMonitor(list, breakers, nil, time.Hour, nil)

	m.ProbeAll(context.Background())
	if len(m.Statuses()) != 2 {
		t.Fatalf("statuses = %d, want 2", len(m.Statuses()))
	}

	mu.Lock()
	adapters = adapters[:1]
	mu.Unlock()

	m.ProbeAll(context.Background())
	statuses := m.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1 after removal", len(statuses))
	}
	if _, ok := statuses["m2"]; ok {
		t.Error("removed adapter still has a status")
	}
}

func TestProbeIfStale(t *testing.T) {
	a := &probeAdapter{modelID: "m1", healthy: true}
	m, _, _ := newTestMonitor(a)

	m.ProbeIfStale(context.Background())
	first := m.LastProbe()
	if first.IsZero() {
		t.Fatal("stale monitor should probe")
	}

	// A fresh probe within the interval is not repeated.
	m.ProbeIfStale(context.Background())
	if !m.LastProbe().Equal(first) {
		t.Error("fresh probe was repeated")
	}
}

func TestStateGauge(t *testing.T) {
	if stateGauge("closed") != 0 || stateGauge("half_open") != 1 || stateGauge("open") != 2 {
		t.Error("gauge mapping wrong")
	}
	if stateGauge("anything else") != 0 {
		t.Error("unknown states should map to closed")
	}
}
