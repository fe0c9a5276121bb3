package config

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/domain"
)

// InMemoryStore keeps all configuration in process memory. It is the
// default store and the base for the file-backed store.
type InMemoryStore struct {
	mu        sync.RWMutex
	models    map[string]domain.ModelConfig
	rules     map[string]domain.RoutingRule
	abTests   map[string]domain.ABTest
	budgets   map[string]domain.BudgetConfig
	tiers     map[string]domain.UserTier
	caching   domain.CachingConfig
	rateLimit domain.RateLimitConfig
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		models:  make(map[string]domain.ModelConfig),
		rules:   make(map[string]domain.RoutingRule),
		abTests: make(map[string]domain.ABTest),
		budgets: make(map[string]domain.BudgetConfig),
		tiers:   make(map[string]domain.UserTier),
		caching: domain.CachingConfig{
			Capacity:   cache.DefaultCapacity,
			DefaultTTL: int(cache.DefaultTTL.Seconds()),
		},
	}
}

func (s *InMemoryStore) LoadConfigurations(context.Context) error { return nil }

func (s *InMemoryStore) Models() []domain.ModelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedModelsLocked(s.models, false)
}

func (s *InMemoryStore) Model(id string) (domain.ModelConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	return m, ok
}

func (s *InMemoryStore) ActiveModels() []domain.ModelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedModelsLocked(s.models, true)
}

func sortedModelsLocked(models map[string]domain.ModelConfig, activeOnly bool) []domain.ModelConfig {
	out := make([]domain.ModelConfig, 0, len(models))
	for _, m := range models {
		if activeOnly && !m.Active {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

func (s *InMemoryStore) AddModel(cfg domain.ModelConfig) error {
	if err := validateModel(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[cfg.ModelID] = cfg
	return nil
}

func (s *InMemoryStore) ToggleModel(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return fmt.Errorf("unknown model %s", id)
	}
	m.Active = active
	s.models[id] = m
	return nil
}

func (s *InMemoryStore) RemoveModel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[id]; !ok {
		return fmt.Errorf("unknown model %s", id)
	}
	delete(s.models, id)
	return nil
}

func (s *InMemoryStore) ActiveRoutingRules() []domain.RoutingRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.RoutingRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

func (s *InMemoryStore) AddRoutingRule(rule domain.RoutingRule) error {
	if err := validateRoutingRule(rule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.RuleID] = rule
	return nil
}

func (s *InMemoryStore) ActiveABTests(now time.Time) []domain.ABTest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ABTest, 0, len(s.abTests))
	for _, t := range s.abTests {
		if t.ActiveAt(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestID < out[j].TestID })
	return out
}

func (s *InMemoryStore) AddABTest(test domain.ABTest) error {
	if err := validateABTest(test); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abTests[test.TestID] = test
	return nil
}

func (s *InMemoryStore) Budgets() []domain.BudgetConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.BudgetConfig, 0, len(s.budgets))
	for _, b := range s.budgets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BudgetID < out[j].BudgetID })
	return out
}

func (s *InMemoryStore) AddBudget(cfg domain.BudgetConfig) error {
	if err := validateBudget(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[cfg.BudgetID] = cfg
	return nil
}

func (s *InMemoryStore) Tier(id string) (domain.UserTier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tiers[id]
	return t, ok
}

func (s *InMemoryStore) SetTier(tier domain.UserTier) error {
	if err := validateTier(tier); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[tier.TierID] = tier
	return nil
}

func (s *InMemoryStore) Caching() domain.CachingConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caching
}

func (s *InMemoryStore) SetCaching(cfg domain.CachingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caching = cfg
}

func (s *InMemoryStore) RateLimit() domain.RateLimitConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimit
}

func (s *InMemoryStore) SetRateLimit(cfg domain.RateLimitConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = cfg
}

// Export snapshots every configuration section into the wire document.
func (s *InMemoryStore) Export() domain.ExportDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc := domain.ExportDocument{
		Models:        sortedModelsLocked(s.models, false),
		CachingConfig: s.caching,
		RateLimit:     s.rateLimit,
	}

	for _, r := range s.rules {
		doc.RoutingRules = append(doc.RoutingRules, r)
	}
	sort.Slice(doc.RoutingRules, func(i, j int) bool { return doc.RoutingRules[i].RuleID < doc.RoutingRules[j].RuleID })

	for _, t := range s.abTests {
		doc.ABTests = append(doc.ABTests, t)
	}
	sort.Slice(doc.ABTests, func(i, j int) bool { return doc.ABTests[i].TestID < doc.ABTests[j].TestID })

	for _, b := range s.budgets {
		doc.Budgets = append(doc.Budgets, b)
	}
	sort.Slice(doc.Budgets, func(i, j int) bool { return doc.Budgets[i].BudgetID < doc.Budgets[j].BudgetID })

	for _, t := range s.tiers {
		doc.UserTiers = append(doc.UserTiers, t)
	}
	sort.Slice(doc.UserTiers, func(i, j int) bool { return doc.UserTiers[i].TierID < doc.UserTiers[j].TierID })

	return doc
}

// Import validates the document and replaces every section atomically.
func (s *InMemoryStore) Import(doc domain.ExportDocument) error {
	if err := validateDocument(doc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.models = make(map[string]domain.ModelConfig, len(doc.Models))
	for _, m := range doc.Models {
		s.models[m.ModelID] = m
	}
	s.rules = make(map[string]domain.RoutingRule, len(doc.RoutingRules))
	for _, r := range doc.RoutingRules {
		s.rules[r.RuleID] = r
	}
	s.abTests = make(map[string]domain.ABTest, len(doc.ABTests))
	for _, t := range doc.ABTests {
		s.abTests[t.TestID] = t
	}
	s.budgets = make(map[string]domain.BudgetConfig, len(doc.Budgets))
	for _, b := range doc.Budgets {
		s.budgets[b.BudgetID] = b
	}
	s.tiers = make(map[string]domain.UserTier, len(doc.UserTiers))
	for _, t := range doc.UserTiers {
		s.tiers[t.TierID] = t
	}
	if doc.CachingConfig.Capacity > 0 {
		s.caching = doc.CachingConfig
	}
	s.rateLimit = doc.RateLimit

	return nil
}
