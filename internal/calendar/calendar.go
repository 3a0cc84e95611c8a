// Package calendar provides pure trading-day date logic: no I/O, no state
// beyond the maintained holiday set.
package calendar

import "time"

// maxWalkDays caps how far the nearest-trading-day walks search before
// falling back to the input date. A market gap longer than a week therefore
// degrades silently; callers get ok=false so they can at least log it.
const maxWalkDays = 7

// holidays is the maintained US market holiday set, keyed by yyyy-mm-dd.
var holidays = map[string]struct{}{
	// 2024
	"2024-01-01": {}, "2024-01-15": {}, "2024-02-19": {}, "2024-03-29": {},
	"2024-05-27": {}, "2024-06-19": {}, "2024-07-04": {}, "2024-09-02": {},
	"2024-11-28": {}, "2024-12-25": {},
	// 2025
	"2025-01-01": {}, "2025-01-20": {}, "2025-02-17": {}, "2025-04-18": {},
	"2025-05-26": {}, "2025-06-19": {}, "2025-07-04": {}, "2025-09-01": {},
	"2025-11-27": {}, "2025-12-25": {},
	// 2026
	"2026-01-01": {}, "2026-01-19": {}, "2026-02-16": {}, "2026-04-03": {},
	"2026-05-25": {}, "2026-06-19": {}, "2026-07-03": {}, "2026-09-07": {},
	"2026-11-26": {}, "2026-12-25": {},
}

// Day normalizes a timestamp to its UTC calendar date. All pipeline date
// keys pass through here so map lookups and equality are stable.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// IsTradingDay reports whether the date is a weekday that is not a holiday.
func IsTradingDay(t time.Time) bool {
	d := Day(t)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := holidays[d.Format("2006-01-02")]
	return !holiday
}

// MostRecentTradingDay walks backward from the given date to the nearest
// trading day, up to maxWalkDays. When no trading day is found within the
// cap it returns the input date and ok=false.
func MostRecentTradingDay(from time.Time) (time.Time, bool) {
	d := Day(from)
	for i := 0; i <= maxWalkDays; i++ {
		c := d.AddDate(0, 0, -i)
		if IsTradingDay(c) {
			return c, true
		}
	}
	return d, false
}

// NextTradingDay walks forward from the given date to the nearest trading
// day, with the same cap and fallback as MostRecentTradingDay.
func NextTradingDay(from time.Time) (time.Time, bool) {
	d := Day(from)
	for i := 0; i <= maxWalkDays; i++ {
		c := d.AddDate(0, 0, i)
		if IsTradingDay(c) {
			return c, true
		}
	}
	return d, false
}

// TradingDaysBetween returns every trading day in [start, end], ascending.
func TradingDaysBetween(start, end time.Time) []time.Time {
	s, e := Day(start), Day(end)
	var days []time.Time
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		if IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}
