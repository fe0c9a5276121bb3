package circuitbreaker

import "sync"

// Manager holds one breaker per model id. Breakers are added and removed as
// the admin mutates the active model set.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*Breaker)}
}

// Add installs a breaker for the model, replacing any existing one.
func (m *Manager) Add(modelID string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[modelID] = New(cfg)
}

// Remove drops the breaker for a model that left the active set.
func (m *Manager) Remove(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, modelID)
}

// Get returns the breaker for a model, creating one with defaults if the
// model was never registered.
func (m *Manager) Get(modelID string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[modelID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[modelID]; ok {
		return b
	}
	b = New(DefaultConfig())
	m.breakers[modelID] = b
	return b
}

// CanProceed reports admission for a model; unknown models are admitted.
func (m *Manager) CanProceed(modelID string) bool {
	return m.Get(modelID).CanProceed()
}

func (m *Manager) RecordSuccess(modelID string) {
	m.Get(modelID).RecordSuccess()
}

func (m *Manager) RecordFailure(modelID string) {
	m.Get(modelID).RecordFailure()
}

// States returns the current state of every tracked breaker.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for id, b := range m.breakers {
		states[id] = b.State().String()
	}
	return states
}
