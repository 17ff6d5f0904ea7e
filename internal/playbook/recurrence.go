package playbook

import (
	"time"

	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

// periodMonths is the length of each calendar-aligned recurrence period.
var periodMonths = map[repository.Recurrence]int{
	repository.RecurrenceMonthly:    1,
	repository.RecurrenceQuarterly:  3,
	repository.RecurrenceSemiAnnual: 6,
	repository.RecurrenceAnnual:     12,
}

// NextOccurrence returns the first scheduled date strictly after the date
// of after, at midnight in after's location. ONCE templates never recur.
//
// DAILY fires every day. WEEKLY fires on ISO weekday RecurrenceDay (Sunday
// when zero). Longer recurrences fire in the last month of each calendar
// period on day RecurrenceDay, clamped to the month length, or on the
// period's last day when RecurrenceDay is zero.
func NextOccurrence(t *repository.PlaybookTemplate, after time.Time) (time.Time, bool) {
	day := time.Date(after.Year(), after.Month(), after.Day(), 0, 0, 0, 0, after.Location())

	switch t.Recurrence {
	case repository.RecurrenceDaily:
		return day.AddDate(0, 0, 1), true

	case repository.RecurrenceWeekly:
		target := t.RecurrenceDay
		if target < 1 || target > 7 {
			target = 7
		}
		current := isoWeekday(day)
		delta := (target - current + 7) % 7
		if delta == 0 {
			delta = 7
		}
		return day.AddDate(0, 0, delta), true
	}

	months, ok := periodMonths[t.Recurrence]
	if !ok {
		return time.Time{}, false
	}

	// Index of the period containing day, counted in months from year zero.
	periodStart := (day.Year()*12 + int(day.Month()) - 1) / months * months
	for i := 0; i < 2; i++ {
		candidate := occurrenceIn(periodStart+months-1, t.RecurrenceDay, day.Location())
		if candidate.After(day) {
			return candidate, true
		}
		periodStart += months
	}
	return time.Time{}, false
}

func isoWeekday(d time.Time) int {
	wd := int(d.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// occurrenceIn builds the anchored date inside the month with absolute
// index monthIndex (year*12 + month-1).
func occurrenceIn(monthIndex, anchor int, loc *time.Location) time.Time {
	year, month := monthIndex/12, time.Month(monthIndex%12+1)
	last := daysIn(year, month, loc)
	d := anchor
	if d <= 0 || d > last {
		d = last
	}
	return time.Date(year, month, d, 0, 0, 0, 0, loc)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
