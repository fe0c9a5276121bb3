package config

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Store is the canonical configuration surface for the gateway. The
// in-memory view is consistent once LoadConfigurations returns.
type Store interface {
	LoadConfigurations(ctx context.Context) error

	Models() []domain.ModelConfig
	Model(id string) (domain.ModelConfig, bool)
	ActiveModels() []domain.ModelConfig
	AddModel(cfg domain.ModelConfig) error
	ToggleModel(id string, active bool) error
	RemoveModel(id string) error

	ActiveRoutingRules() []domain.RoutingRule
	AddRoutingRule(rule domain.RoutingRule) error

	ActiveABTests(now time.Time) []domain.ABTest
	AddABTest(test domain.ABTest) error

	Budgets() []domain.BudgetConfig
	AddBudget(cfg domain.BudgetConfig) error

	Tier(id string) (domain.UserTier, bool)
	SetTier(tier domain.UserTier) error

	Caching() domain.CachingConfig
	RateLimit() domain.RateLimitConfig

	Export() domain.ExportDocument
	Import(doc domain.ExportDocument) error
}

// splitTolerance absorbs float rounding when checking that traffic splits
// sum to 1.0.
const splitTolerance = 1e-6

func validateModel(cfg domain.ModelConfig) error {
	if cfg.ModelID == "" {
		return fmt.Errorf("model_id is required")
	}
	if cfg.Provider == "" {
		return fmt.Errorf("model %s: provider is required", cfg.ModelID)
	}
	if cfg.Priority < 1 || cfg.Priority > 5 {
		return fmt.Errorf("model %s: priority must be 1..5, got %d", cfg.ModelID, cfg.Priority)
	}
	if cfg.InputCostPer1K < 0 || cfg.OutputCostPer1K < 0 {
		return fmt.Errorf("model %s: cost per 1k tokens must not be negative", cfg.ModelID)
	}
	return nil
}

func validateRoutingRule(rule domain.RoutingRule) error {
	if rule.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}
	if len(rule.Targets) == 0 {
		return fmt.Errorf("rule %s: at least one target is required", rule.RuleID)
	}
	return nil
}

func validateABTest(test domain.ABTest) error {
	if test.TestID == "" {
		return fmt.Errorf("test_id is required")
	}
	if !test.End.After(test.Start) {
		return fmt.Errorf("test %s: end must be after start", test.TestID)
	}
	if len(test.TrafficSplit) == 0 {
		return fmt.Errorf("test %s: traffic split is required", test.TestID)
	}

	var sum float64
	for variant, fraction := range test.TrafficSplit {
		if fraction < 0 {
			return fmt.Errorf("test %s: variant %s has negative fraction", test.TestID, variant)
		}
		if len(test.Variants[variant]) == 0 {
			return fmt.Errorf("test %s: variant %s has no models", test.TestID, variant)
		}
		sum += fraction
	}
	if math.Abs(sum-1.0) > splitTolerance {
		return fmt.Errorf("test %s: traffic split sums to %.6f, want 1.0", test.TestID, sum)
	}
	return nil
}

func validateBudget(cfg domain.BudgetConfig) error {
	if cfg.BudgetID == "" {
		return fmt.Errorf("budget_id is required")
	}
	if cfg.LimitUSD <= 0 {
		return fmt.Errorf("budget %s: limit must be positive", cfg.BudgetID)
	}
	switch cfg.Period {
	case domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly, domain.PeriodQuarterly:
	default:
		return fmt.Errorf("budget %s: unknown period %q", cfg.BudgetID, cfg.Period)
	}
	for _, t := range cfg.AlertThresholds {
		if t < 0 || t > 1 {
			return fmt.Errorf("budget %s: alert threshold %.4f outside [0,1]", cfg.BudgetID, t)
		}
	}
	return nil
}

func validateTier(tier domain.UserTier) error {
	if tier.TierID == "" {
		return fmt.Errorf("tier_id is required")
	}
	if tier.RateLimitMultiplier < 0 {
		return fmt.Errorf("tier %s: rate limit multiplier must not be negative", tier.TierID)
	}
	return nil
}

func validateDocument(doc domain.ExportDocument) error {
	seen := make(map[string]bool, len(doc.Models))
	for _, m := range doc.Models {
		if err := validateModel(m); err != nil {
			return err
		}
		if seen[m.ModelID] {
			return fmt.Errorf("duplicate model_id %s", m.ModelID)
		}
		seen[m.ModelID] = true
	}
	for _, r := range doc.RoutingRules {
		if err := validateRoutingRule(r); err != nil {
			return err
		}
	}
	for _, t := range doc.ABTests {
		if err := validateABTest(t); err != nil {
			return err
		}
	}
	for _, b := range doc.Budgets {
		if err := validateBudget(b); err != nil {
			return err
		}
	}
	for _, t := range doc.UserTiers {
		if err := validateTier(t); err != nil {
			return err
		}
	}
	return nil
}
