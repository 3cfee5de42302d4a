package model

import "time"

// CalendarEvent is one normalized VEVENT, stamped with the feed it came from.
// Start is always a valid absolute instant; events without one never get here.
type CalendarEvent struct {
	Summary  string
	Location string

	// AllDay is true when DTSTART was a bare DATE value.
	AllDay bool

	Start time.Time
	// End is nil when DTEND was absent or could not be normalized.
	End *time.Time

	// SourceIndex is the 0-based position of the feed in the configured source list.
	SourceIndex int
	SourceLabel string
}

// SourceResult is the outcome of fetching and parsing one configured feed.
// Err is nil on success; on failure Events is empty.
type SourceResult struct {
	Index  int
	URL    string
	Label  string
	Events []CalendarEvent
	Err    error
}

// Failed reports whether the source could not be fetched or parsed.
func (r SourceResult) Failed() bool {
	return r.Err != nil
}
