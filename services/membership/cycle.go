package membership

import (
	"fmt"
	"time"
)

// AddCycle moves t forward by interval units. Month and year steps clamp to
// the last day of the target month, so Jan 31 + 1 month is Feb 28 (or 29).
func AddCycle(t time.Time, unit Unit, interval int) (time.Time, error) {
	if interval < 1 {
		interval = 1
	}

	switch unit {
	case UnitDay:
		return t.AddDate(0, 0, interval), nil
	case UnitWeek:
		return t.AddDate(0, 0, 7*interval), nil
	case UnitMonth:
		return addMonths(t, interval), nil
	case UnitYear:
		return addMonths(t, 12*interval), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	first := time.Date(y, m+time.Month(n), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
