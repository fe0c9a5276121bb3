package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

func newTestEnforcer() (*Enforcer, *time.Time) {
	e := NewEnforcer(nil)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func globalBudget(limit float64) domain.BudgetConfig {
	return domain.BudgetConfig{
		BudgetID: "global",
		LimitUSD: limit,
		Period:   domain.PeriodDaily,
	}
}

func TestCheckDeniesOverLimit(t *testing.T) {
	e, _ := newTestEnforcer()
	e.SetBudgets([]domain.BudgetConfig{globalBudget(1.00)})

	ids, err := e.Check(nil, 0.50)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	e.Commit(ids, 0.99)

	_, err = e.Check(nil, 0.02)
	var denial *domain.BudgetDenial
	if !errors.As(err, &denial) {
		t.Fatalf("err = %v, want BudgetDenial", err)
	}
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Error("denial should unwrap to ErrBudgetExceeded")
	}
	if denial.CurrentUsage != 0.99 || denial.LimitUSD != 1.00 {
		t.Errorf("denial = %+v, want usage 0.99 limit 1.00", denial)
	}
}

func TestCheckBoundaryExactlyAtLimit(t *testing.T) {
	e, _ := newTestEnforcer()
	e.SetBudgets([]domain.BudgetConfig{globalBudget(1.00)})

	// usage + estimate == limit is admitted; only exceeding is denied.
	if _, err := e.Check(nil, 1.00); err != nil {
		t.Errorf("estimate equal to limit should pass: %v", err)
	}
	if _, err := e.Check(nil, 1.000001); err == nil {
		t.Error("estimate over limit should be denied")
	}
}

func TestMostSpecificBudgetWins(t *testing.T) {
	e, _ := newTestEnforcer()
	e.SetBudgets([]domain.BudgetConfig{
		globalBudget(100),
		{BudgetID: "wide", LimitUSD: 50, Period: domain.PeriodDaily, Groups: []string{"eng", "sales", "ops"}},
		{BudgetID: "narrow", LimitUSD: 10, Period: domain.PeriodDaily, Groups: []string{"eng"}},
	})

	ids, err := e.Check([]string{"eng"}, 1)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	// The smallest matching group list plus the global budget.
	if len(ids) != 2 || ids[0] != "narrow" || ids[1] != "global" {
		t.Errorf("charged budgets = %v, want [narrow global]", ids)
	}
}

func TestGlobalAlwaysChecked(t *testing.T) {
	e, _ := newTestEnforcer()
	e.SetBudgets([]domain.BudgetConfig{
		globalBudget(1),
		{BudgetID: "eng", LimitUSD: 100, Period: domain.PeriodDaily, Groups: []string{"eng"}},
	})

	ids, _ := e.Check([]string{"eng"}, 0.5)
	e.Commit(ids, 0.99)

	// Group budget has plenty of room; the global budget denies.
	_, err := e.Check([]string{"eng"}, 0.5)
	var denial *domain.BudgetDenial
	if !errors.As(err, &denial) || denial.BudgetID != "global" {
		t.Errorf("err = %v, want denial from global budget", err)
	}
}

func TestCommitFiresThresholdAlertsOnce(t *testing.T) {
	e, _ := newTestEnforcer()
	e.SetBudgets([]domain.BudgetConfig{{
		BudgetID:        "b1",
		LimitUSD:        10,
		Period:          domain.PeriodDaily,
		AlertThresholds: []float64{0.5, 0.8},
	}})

	var alerts []Alert
	e.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	e.Commit([]string{"b1"}, 4)
	if len(alerts) != 0 {
		t.Fatalf("no threshold crossed yet, got %d alerts", len(alerts))
	}

	e.Commit([]string{"b1"}, 5)
	if len(alerts) != 2 {
		t.Fatalf("crossing 0.5 and 0.8 at once should fire both, got %d", len(alerts))
	}
	if alerts[0].Threshold != 0.5 || alerts[1].Threshold != 0.8 {
		t.Errorf("alerts = %+v", alerts)
	}

	// Re-crossing within the same period stays silent.
	e.Commit([]string{"b1"}, 0.01)
	if len(alerts) != 2 {
		t.Errorf("duplicate alerts fired: %d", len(alerts))
	}
}

func TestAutoDisableAtLimit(t *testing.T) {
	e, _ := newTestEnforcer()
	e.SetBudgets([]domain.BudgetConfig{{
		BudgetID:           "b1",
		LimitUSD:           1,
		Period:             domain.PeriodDaily,
		AutoDisableAtLimit: true,
	}})

	ids, _ := e.Check(nil, 0.5)
	e.Commit(ids, 1.0)

	if _, err := e.Check(nil, 0.0001); err == nil {
		t.Error("disabled budget should deny even tiny estimates")
	}

	snap, ok := e.Usage("b1")
	if !ok || snap.Status != domain.BudgetExceeded {
		t.Errorf("status = %v, want exceeded", snap.Status)
	}
}

func TestPeriodResetReenables(t *testing.T) {
	e, now := newTestEnforcer()
	e.SetBudgets([]domain.BudgetConfig{{
		BudgetID:           "b1",
		LimitUSD:           1,
		Period:             domain.PeriodDaily,
		AutoDisableAtLimit: true,
	}})

	ids, _ := e.Check(nil, 0.5)
	e.Commit(ids, 1.0)
	if _, err := e.Check(nil, 0.1); err == nil {
		t.Fatal("budget should be exhausted")
	}

	*now = now.Add(24 * time.Hour)
	if _, err := e.Check(nil, 0.1); err != nil {
		t.Errorf("new period should admit: %v", err)
	}

	snap, _ := e.Usage("b1")
	if snap.CurrentUsage != 0 {
		t.Errorf("usage after reset = %f, want 0", snap.CurrentUsage)
	}
	if snap.Status != domain.BudgetActive {
		t.Errorf("status after reset = %v, want active", snap.Status)
	}
}

func TestSetBudgetsPreservesUsage(t *testing.T) {
	e, _ := newTestEnforcer()
	e.SetBudgets([]domain.BudgetConfig{globalBudget(10)})

	ids, _ := e.Check(nil, 1)
	e.Commit(ids, 3)

	// Update the limit; usage carries over.
	e.SetBudgets([]domain.BudgetConfig{globalBudget(20)})
	snap, ok := e.Usage("global")
	if !ok {
		t.Fatal("budget missing after update")
	}
	if snap.CurrentUsage != 3 {
		t.Errorf("usage = %f, want 3 preserved", snap.CurrentUsage)
	}
	if snap.LimitUSD != 20 {
		t.Errorf("limit = %f, want updated 20", snap.LimitUSD)
	}
}

func TestPeriodWindows(t *testing.T) {
	at := time.Date(2026, 3, 11, 15, 30, 0, 0, time.UTC) // a Wednesday

	start, end := periodWindow(domain.PeriodDaily, at)
	if start != time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC) || end != start.AddDate(0, 0, 1) {
		t.Errorf("daily window = [%v, %v]", start, end)
	}

	start, _ = periodWindow(domain.PeriodWeekly, at)
	if start.Weekday() != time.Monday {
		t.Errorf("weekly window starts %v, want Monday", start.Weekday())
	}

	start, end = periodWindow(domain.PeriodMonthly, at)
	if start != time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) || end != time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("monthly window = [%v, %v]", start, end)
	}

	start, end = periodWindow(domain.PeriodQuarterly, at)
	if start != time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) || end != time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) {
		t.Errorf("quarterly window = [%v, %v]", start, end)
	}
}

func TestDeduplicatorClearOnReset(t *testing.T) {
	d := NewInMemoryDeduplicator()

	if !d.ShouldAlert("b1", 0.5) {
		t.Fatal("first alert should fire")
	}
	if d.ShouldAlert("b1", 0.5) {
		t.Error("repeat alert should be suppressed")
	}
	if !d.ShouldAlert("b1", 0.8) {
		t.Error("different threshold should fire")
	}

	d.ClearAlerts("b1")
	if !d.ShouldAlert("b1", 0.5) {
		t.Error("alert should fire again after clear")
	}
}
