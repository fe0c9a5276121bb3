package budget

import (
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// periodWindow returns the [start, end) window containing now for the given
// reset cadence. All windows are UTC-aligned.
func periodWindow(period domain.BudgetPeriod, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch period {
	case domain.PeriodDaily:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case domain.PeriodWeekly:
		// Weeks start Monday.
		offset := (int(now.Weekday()) + 6) % 7
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case domain.PeriodQuarterly:
		quarterMonth := time.Month(((int(now.Month())-1)/3)*3 + 1)
		start := time.Date(now.Year(), quarterMonth, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 3, 0)
	default: // monthly
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}
