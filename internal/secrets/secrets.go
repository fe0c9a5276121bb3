// Package secrets resolves opaque secret references to provider API keys.
// Stores are pluggable per reference kind; resolved values are cached with
// a TTL so adapters can fetch keys lazily on every request.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/modelrelay/modelrelay/internal/domain"
)

// Reference kinds understood by the manager.
const (
	KindAWS           = "aws-secrets-manager"
	KindEncryptedFile = "encrypted-file"
	KindVault         = "vault"
	KindEnv           = "env"
)

// Store fetches a secret value for a reference of its kind.
type Store interface {
	GetSecret(ctx context.Context, ref domain.SecretRef) (string, error)

	// HealthCheck must be cheap; it is called from the gateway status probe.
	HealthCheck(ctx context.Context) bool
}

// Manager dispatches references to the store registered for their kind and
// caches resolved values. Lookup failures are never cached.
type Manager struct {
	mu     sync.RWMutex
	stores map[string]Store
	cache  *otter.Cache[string, string]
	ttl    time.Duration
}

// DefaultKeyTTL is how long a resolved secret stays cached.
const DefaultKeyTTL = time.Hour

func NewManager(ttl time.Duration) (*Manager, error) {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}

	cache, err := otter.New[string, string](&otter.Options[string, string]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create secret cache: %w", err)
	}

	return &Manager{
		stores: make(map[string]Store),
		cache:  cache,
		ttl:    ttl,
	}, nil
}

// Register installs the store for a reference kind, replacing any previous
// registration.
func (m *Manager) Register(kind string, store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[kind] = store
}

// Has reports whether a store is registered for the kind.
func (m *Manager) Has(kind string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stores[kind]
	return ok
}

func cacheKey(ref domain.SecretRef) string {
	return ref.Kind + "/" + ref.Identifier + "@" + ref.Version
}

// GetSecret resolves a reference, consulting the cache first.
func (m *Manager) GetSecret(ctx context.Context, ref domain.SecretRef) (string, error) {
	key := cacheKey(ref)
	if value, ok := m.cache.GetIfPresent(key); ok {
		return value, nil
	}

	m.mu.RLock()
	store, ok := m.stores[ref.Kind]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: no store for kind %q", domain.ErrSecretFetch, ref.Kind)
	}

	value, err := store.GetSecret(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSecretFetch, err)
	}

	m.cache.Set(key, value)
	return value, nil
}

// Invalidate drops a cached value, forcing the next fetch to hit the store.
func (m *Manager) Invalidate(ref domain.SecretRef) {
	m.cache.Invalidate(cacheKey(ref))
}

// HealthCheck reports per-kind store health.
func (m *Manager) HealthCheck(ctx context.Context) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.stores))
	for kind, store := range m.stores {
		out[kind] = store.HealthCheck(ctx)
	}
	return out
}

// EnvStore resolves references against process environment variables.
// The reference identifier is the variable name.
type EnvStore struct{}

func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

func (s *EnvStore) GetSecret(_ context.Context, ref domain.SecretRef) (string, error) {
	value := os.Getenv(ref.Identifier)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", ref.Identifier)
	}
	return value, nil
}

func (s *EnvStore) HealthCheck(context.Context) bool {
	return true
}

// StaticStore holds secrets in memory; used in tests and as a seed store.
type StaticStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewStaticStore() *StaticStore {
	return &StaticStore{secrets: make(map[string]string)}
}

func (s *StaticStore) SetSecret(identifier, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[identifier] = value
}

func (s *StaticStore) GetSecret(_ context.Context, ref domain.SecretRef) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[ref.Identifier]
	if !ok {
		return "", fmt.Errorf("secret %s not found", ref.Identifier)
	}
	return value, nil
}

func (s *StaticStore) HealthCheck(context.Context) bool {
	return true
}
