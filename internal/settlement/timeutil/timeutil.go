package timeutil

import "time"

// Clock returns the current time. Services take one so tests can pin it.
type Clock func() time.Time

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// Fixed returns a clock that always reports t.
func Fixed(t time.Time) Clock {
	return func() time.Time { return t }
}

// OrDefault returns c, or Now when c is nil.
func (c Clock) OrDefault() Clock {
	if c == nil {
		return Now
	}
	return c
}

// Date truncates t to its UTC calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaySpan counts calendar days from start to end, ignoring the time of day.
// A reversed range yields a negative count.
func DaySpan(start, end time.Time) int {
	return int(Date(end).Sub(Date(start)).Hours() / 24)
}
