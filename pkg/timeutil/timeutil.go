// Package timeutil provides calendar-day helpers used to bucket applicant
// arrivals and to bound rate windows. All day boundaries are computed in
// UTC unless a location is passed explicitly.
package timeutil

import (
	"time"
)

// Day is 24 hours. Rate windows are expressed in whole days.
const Day = 24 * time.Hour

// FormatDate is the standard date format (YYYY-MM-DD).
const FormatDate = "2006-01-02"

// Clock returns the current time. Handlers take a Clock so tests can pin time.
type Clock func() time.Time

// UTCNow is the default Clock.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// Now reads the clock. A nil Clock reads the system time in UTC.
func (c Clock) Now() time.Time {
	if c == nil {
		return UTCNow()
	}
	return c().UTC()
}

// Fixed returns a Clock that always reports t.
func Fixed(t time.Time) Clock {
	return func() time.Time { return t }
}

// StartOfDay returns midnight of t's day in UTC.
func StartOfDay(t time.Time) time.Time {
	return StartOfDayIn(t, time.UTC)
}

// StartOfDayIn returns midnight of t's day in loc.
func StartOfDayIn(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// ParseDate parses YYYY-MM-DD as a UTC midnight.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(FormatDate, value, time.UTC)
}
