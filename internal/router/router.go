// Package router selects a model for each request from the currently
// available set: A/B tests first, then weighted routing rules, then
// priority adjusted by the user tier, then a stable-order fallback.
package router

import (
	"sort"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Source supplies the active routing configuration.
type Source interface {
	ActiveABTests(now time.Time) []domain.ABTest
	ActiveRoutingRules() []domain.RoutingRule
}

type Router struct {
	source Source
}

func New(source Source) *Router {
	return &Router{source: source}
}

// Select picks one model id from the available set (already filtered to
// active, circuit-admitted, tier-allowed models). It returns the fallback
// model id when nothing else matches, and ErrNoHealthyModel when the
// available set is empty and no fallback exists.
func (r *Router) Select(req domain.Request, tier domain.UserTier, available []domain.ModelConfig) (string, error) {
	availIDs := make(map[string]bool, len(available))
	for _, m := range available {
		availIDs[m.ModelID] = true
	}

	if id := r.selectByABTest(req, availIDs); id != "" {
		return id, nil
	}
	if id := r.selectByRules(req, availIDs); id != "" {
		return id, nil
	}
	if id := selectByPriority(tier, available); id != "" {
		return id, nil
	}

	// Stable-order fallback: first available model, then the synthetic
	// fallback adapter.
	ids := make([]string, 0, len(available))
	for _, m := range available {
		if m.ModelID == domain.FallbackModelID {
			continue
		}
		ids = append(ids, m.ModelID)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		return ids[0], nil
	}
	if availIDs[domain.FallbackModelID] {
		return domain.FallbackModelID, nil
	}
	return "", domain.ErrNoHealthyModel
}

func (r *Router) selectByABTest(req domain.Request, available map[string]bool) string {
	tests := r.source.ActiveABTests(req.Timestamp)
	sort.Slice(tests, func(i, j int) bool { return tests[i].TestID < tests[j].TestID })

	for _, test := range tests {
		if !anyVariantAvailable(test, available) {
			continue
		}
		for _, id := range variantModels(req, test) {
			if available[id] {
				return id
			}
		}
	}
	return ""
}

func anyVariantAvailable(test domain.ABTest, available map[string]bool) bool {
	for _, models := range test.Variants {
		for _, id := range models {
			if available[id] {
				return true
			}
		}
	}
	return false
}

func (r *Router) selectByRules(req domain.Request, available map[string]bool) string {
	rules := r.source.ActiveRoutingRules()
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Weight != rules[j].Weight {
			return rules[i].Weight > rules[j].Weight
		}
		return rules[i].RuleID < rules[j].RuleID
	})

	for _, rule := range rules {
		if !rule.Active || !ruleMatches(rule, req) {
			continue
		}
		for _, id := range rule.Targets {
			if available[id] {
				return id
			}
		}
	}
	return ""
}

// ruleMatches requires every condition key to equal the request context
// value for that key.
func ruleMatches(rule domain.RoutingRule, req domain.Request) bool {
	for key, want := range rule.Conditions {
		if contextValue(req, key) != want {
			return false
		}
	}
	return true
}

func contextValue(req domain.Request, key string) string {
	switch key {
	case "task_type":
		return req.TaskType
	case "user_tier":
		return req.UserTier
	case "user_id":
		return req.UserID
	default:
		return req.Metadata[key]
	}
}

// selectByPriority returns the model with the lowest effective priority
// (model priority minus tier boost), ties broken by alphabetical model id.
func selectByPriority(tier domain.UserTier, available []domain.ModelConfig) string {
	best := ""
	bestPriority := 0
	for _, m := range available {
		if m.ModelID == domain.FallbackModelID {
			continue
		}
		effective := m.Priority - tier.PriorityBoost
		if best == "" || effective < bestPriority ||
			(effective == bestPriority && m.ModelID < best) {
			best = m.ModelID
			bestPriority = effective
		}
	}
	return best
}
