// Package calendar holds the date arithmetic used for due dates, fines and
// membership windows. All values are calendar days represented as midnight UTC.
package calendar

import (
	"fmt"
	"math"
	"time"
)

const (
	Layout = "2006-01-02"
	day    = 24 * time.Hour
)

// Day truncates t to its calendar date, keeping the date as seen in t's own
// location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole number of days separating a and b, rounded up
// and without sign.
func DaysBetween(a, b time.Time) int {
	diff := Day(b).Sub(Day(a))
	if diff < 0 {
		diff = -diff
	}
	return int(math.Ceil(float64(diff) / float64(day)))
}

// AddMonths moves t forward by n calendar months. Overflowing days roll into
// the following month, so Jan 31 + 1 month is Mar 2 or Mar 3.
func AddMonths(t time.Time, n int) time.Time {
	return Day(t).AddDate(0, n, 0)
}

func AddDays(t time.Time, n int) time.Time {
	return Day(t).AddDate(0, 0, n)
}

// Max returns the later of two dates.
func Max(a, b time.Time) time.Time {
	if Day(a).After(Day(b)) {
		return Day(a)
	}
	return Day(b)
}

// Parse accepts either YYYY-MM-DD or an RFC 3339 timestamp.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(Layout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected %s", s, Layout)
	}
	return Day(t), nil
}

func Format(t time.Time) string {
	return Day(t).Format(Layout)
}
