package aggregate

import "time"

const (
	MinLookAheadDays     = 1
	MaxLookAheadDays     = 90
	DefaultLookAheadDays = 14
	MinLookBackDays      = 0
	MaxLookBackDays      = 30
)

// Window is the [now - LookBackDays, now + LookAheadDays] range of event
// starts kept in a response.
type Window struct {
	LookAheadDays int
	LookBackDays  int
}

// NewWindow clamps lookAhead to [1, 90] and lookBack to [0, 30].
func NewWindow(lookAhead, lookBack int) Window {
	return Window{
		LookAheadDays: clamp(lookAhead, MinLookAheadDays, MaxLookAheadDays),
		LookBackDays:  clamp(lookBack, MinLookBackDays, MaxLookBackDays),
	}
}

// DefaultWindow looks 14 days ahead and none back.
func DefaultWindow() Window {
	return NewWindow(DefaultLookAheadDays, 0)
}

// Bounds returns the inclusive absolute bounds relative to now. Days are
// fixed 24h spans, independent of DST transitions.
func (w Window) Bounds(now time.Time) (from, to time.Time) {
	day := 24 * time.Hour
	return now.Add(-time.Duration(w.LookBackDays) * day), now.Add(time.Duration(w.LookAheadDays) * day)
}

// Contains reports whether t lies within the bounds for now, inclusive.
func (w Window) Contains(now, t time.Time) bool {
	from, to := w.Bounds(now)
	return !t.Before(from) && !t.After(to)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
