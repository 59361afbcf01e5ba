package analytics

import (
	"fmt"
	"time"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

// ParsePeriod accepts hour, day, week or month.
func ParsePeriod(s string) (store.Period, error) {
	switch p := store.Period(s); p {
	case store.PeriodHour, store.PeriodDay, store.PeriodWeek, store.PeriodMonth:
		return p, nil
	default:
		return "", fmt.Errorf("invalid period %q: must be hour, day, week or month", s)
	}
}

// Window returns the UTC bucket [start, end) of the given period that
// contains t. Weeks start on Monday.
func Window(period store.Period, t time.Time) (start, end time.Time, err error) {
	t = t.UTC()
	switch period {
	case store.PeriodHour:
		start = t.Truncate(time.Hour)
		end = start.Add(time.Hour)
	case store.PeriodDay:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	case store.PeriodWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		end = start.AddDate(0, 0, 7)
	case store.PeriodMonth:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period %q", period)
	}
	return start, end, nil
}

// PreviousWindow returns the last bucket that closed before now.
func PreviousWindow(period store.Period, now time.Time) (start, end time.Time, err error) {
	current, _, err := Window(period, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return Window(period, current.Add(-time.Nanosecond))
}
