// Package budget enforces scoped cost ceilings with periodic resets.
// Requests are checked against the most specific applicable budget plus the
// global budget before dispatch; actual costs are committed afterwards so
// recorded usage always equals what was charged.
package budget

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Alert is emitted when a budget crosses a configured threshold.
type Alert struct {
	BudgetID     string
	Threshold    float64 // crossed fraction of the limit, 1.0 = exceeded
	CurrentUsage float64
	LimitUSD     float64
	Timestamp    time.Time
}

// AlertHandler receives threshold-crossing events. Handlers run inline on
// the committing request path and must be fast.
type AlertHandler func(alert Alert)

type tracked struct {
	cfg         domain.BudgetConfig
	usage       float64
	periodStart time.Time
	periodEnd   time.Time
	disabled    bool
}

// Enforcer tracks usage per budget with a single lock; counter updates are
// read-modify-write under it to avoid lost additions.
type Enforcer struct {
	mu       sync.Mutex
	budgets  map[string]*tracked
	dedup    AlertDeduplicator
	handlers []AlertHandler
	now      func() time.Time
}

func NewEnforcer(dedup AlertDeduplicator) *Enforcer {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Enforcer{
		budgets: make(map[string]*tracked),
		dedup:   dedup,
		now:     time.Now,
	}
}

// OnAlert registers a threshold-crossing handler.
func (e *Enforcer) OnAlert(handler AlertHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// SetBudgets replaces the tracked budget set, preserving current usage for
// budgets that survive the update.
func (e *Enforcer) SetBudgets(cfgs []domain.BudgetConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*tracked, len(cfgs))
	now := e.now()
	for _, cfg := range cfgs {
		if prev, ok := e.budgets[cfg.BudgetID]; ok {
			prev.cfg = cfg
			next[cfg.BudgetID] = prev
			continue
		}
		start, end := periodWindow(cfg.Period, now)
		next[cfg.BudgetID] = &tracked{cfg: cfg, periodStart: start, periodEnd: end}
	}
	e.budgets = next
}

// applicable selects the budgets a request is charged against: the global
// budget (empty groups) plus the most specific group budget, where most
// specific means the smallest group list containing one of the user's groups.
func (e *Enforcer) applicableLocked(groups []string) []*tracked {
	var global *tracked
	var best *tracked

	for _, b := range e.budgets {
		if len(b.cfg.Groups) == 0 {
			global = b
			continue
		}
		if !overlaps(b.cfg.Groups, groups) {
			continue
		}
		if best == nil || len(b.cfg.Groups) < len(best.cfg.Groups) {
			best = b
		}
	}

	var out []*tracked
	if best != nil {
		out = append(out, best)
	}
	if global != nil {
		out = append(out, global)
	}
	return out
}

func overlaps(budgetGroups, userGroups []string) bool {
	for _, bg := range budgetGroups {
		for _, ug := range userGroups {
			if bg == ug {
				return true
			}
		}
	}
	return false
}

// Check admits or denies a request with the given estimated cost. On
// admission it returns the budget ids the eventual actual cost must be
// committed to.
func (e *Enforcer) Check(groups []string, estimatedCost float64) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	charged := make([]string, 0, 2)
	for _, b := range e.applicableLocked(groups) {
		e.rollPeriodLocked(b, now)

		if b.disabled {
			return nil, &domain.BudgetDenial{
				BudgetID:     b.cfg.BudgetID,
				CurrentUsage: b.usage,
				LimitUSD:     b.cfg.LimitUSD,
				NextReset:    b.periodEnd,
			}
		}
		if b.usage+estimatedCost > b.cfg.LimitUSD {
			return nil, &domain.BudgetDenial{
				BudgetID:     b.cfg.BudgetID,
				CurrentUsage: b.usage,
				LimitUSD:     b.cfg.LimitUSD,
				NextReset:    b.periodEnd,
			}
		}
		charged = append(charged, b.cfg.BudgetID)
	}

	return charged, nil
}

// Commit records the actual cost of a completed request against the budgets
// chosen at check time, firing threshold alerts as ratios cross.
func (e *Enforcer) Commit(budgetIDs []string, actualCost float64) {
	e.mu.Lock()

	var alerts []Alert
	for _, id := range budgetIDs {
		b, ok := e.budgets[id]
		if !ok {
			continue
		}

		before := 0.0
		if b.cfg.LimitUSD > 0 {
			before = b.usage / b.cfg.LimitUSD
		}
		b.usage += actualCost
		after := 0.0
		if b.cfg.LimitUSD > 0 {
			after = b.usage / b.cfg.LimitUSD
		}

		if after >= 1.0 && b.cfg.AutoDisableAtLimit {
			b.disabled = true
		}

		for _, threshold := range crossedThresholds(b.cfg.AlertThresholds, before, after) {
			alerts = append(alerts, Alert{
				BudgetID:     b.cfg.BudgetID,
				Threshold:    threshold,
				CurrentUsage: b.usage,
				LimitUSD:     b.cfg.LimitUSD,
				Timestamp:    e.now(),
			})
		}
	}

	handlers := make([]AlertHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	for _, alert := range alerts {
		if !e.dedup.ShouldAlert(alert.BudgetID, alert.Threshold) {
			continue
		}
		for _, handler := range handlers {
			handler(alert)
		}
	}
}

// crossedThresholds returns configured fractions passed between the two
// usage ratios, plus 1.0 when the limit itself is crossed.
func crossedThresholds(configured []float64, before, after float64) []float64 {
	thresholds := append([]float64(nil), configured...)
	thresholds = append(thresholds, 1.0)
	sort.Float64s(thresholds)

	var crossed []float64
	for _, t := range thresholds {
		if before < t && after >= t {
			crossed = append(crossed, t)
		}
	}
	return crossed
}

// rollPeriodLocked advances an expired window: usage zeroes, the budget
// re-enables, and stale alert state clears.
func (e *Enforcer) rollPeriodLocked(b *tracked, now time.Time) {
	if now.Before(b.periodEnd) {
		return
	}
	start, end := periodWindow(b.cfg.Period, now)
	b.periodStart, b.periodEnd = start, end
	b.usage = 0
	b.disabled = false
	e.dedup.ClearAlerts(b.cfg.BudgetID)
	slog.Info("budget period reset", "budget_id", b.cfg.BudgetID, "period_start", start, "period_end", end)
}

// RunResetLoop rolls expired periods in the background until stop closes.
func (e *Enforcer) RunResetLoop(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			now := e.now()
			for _, b := range e.budgets {
				e.rollPeriodLocked(b, now)
			}
			e.mu.Unlock()
		}
	}
}

// Usage returns the live snapshot for one budget.
func (e *Enforcer) Usage(budgetID string) (domain.BudgetUsage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.budgets[budgetID]
	if !ok {
		return domain.BudgetUsage{}, false
	}
	return snapshotLocked(b), true
}

// Snapshot returns live usage for every tracked budget.
func (e *Enforcer) Snapshot() []domain.BudgetUsage {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.BudgetUsage, 0, len(e.budgets))
	for _, b := range e.budgets {
		out = append(out, snapshotLocked(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BudgetID < out[j].BudgetID })
	return out
}

func snapshotLocked(b *tracked) domain.BudgetUsage {
	status := domain.BudgetActive
	switch {
	case b.disabled || b.usage >= b.cfg.LimitUSD:
		status = domain.BudgetExceeded
	case len(b.cfg.AlertThresholds) > 0 && b.cfg.LimitUSD > 0 &&
		b.usage/b.cfg.LimitUSD >= minThreshold(b.cfg.AlertThresholds):
		status = domain.BudgetWarning
	}

	return domain.BudgetUsage{
		BudgetID:     b.cfg.BudgetID,
		Groups:       b.cfg.Groups,
		CurrentUsage: b.usage,
		LimitUSD:     b.cfg.LimitUSD,
		PeriodStart:  b.periodStart,
		PeriodEnd:    b.periodEnd,
		Status:       status,
	}
}

func minThreshold(thresholds []float64) float64 {
	min := thresholds[0]
	for _, t := range thresholds[1:] {
		if t < min {
			min = t
		}
	}
	return min
}
