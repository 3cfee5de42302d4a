package ics

import (
	"strconv"
	"strings"
	"time"
)

const (
	layoutDate     = "20060102"
	layoutDateTime = "20060102T150405"
)

// fallbackLayouts are tried, in order, for tokens that match none of the
// iCalendar basic forms.
var fallbackLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Form identifies which branch recognized a date/time token.
type Form int

const (
	FormNone Form = iota
	FormAllDay
	FormUTC
	FormOffset
	FormFloating
	FormFallback
)

func (f Form) String() string {
	switch f {
	case FormAllDay:
		return "all-day"
	case FormUTC:
		return "utc"
	case FormOffset:
		return "offset"
	case FormFloating:
		return "floating"
	case FormFallback:
		return "fallback"
	default:
		return "none"
	}
}

// Normalizer turns raw DTSTART/DTEND tokens into absolute instants.
//
// Location anchors values that carry no zone of their own: all-day dates
// (local midnight) and floating date-times. Nil means time.Local.
// TZID parameters are not resolved.
type Normalizer struct {
	Location *time.Location
}

// Normalize returns the instant for raw and true, or the zero time and false
// when the token cannot be interpreted. It never panics on malformed input.
func (n Normalizer) Normalize(raw string, dateOnly bool) (time.Time, bool) {
	t, form := n.Classify(raw, dateOnly)
	return t, form != FormNone
}

// Classify is Normalize that also reports which form matched.
func (n Normalizer) Classify(raw string, dateOnly bool) (time.Time, Form) {
	val := strings.TrimSpace(raw)
	if val == "" {
		return time.Time{}, FormNone
	}
	loc := n.location()

	switch {
	case len(val) == 8 && allDigits(val):
		t, err := time.ParseInLocation(layoutDate, val, loc)
		if err != nil {
			return time.Time{}, FormNone
		}
		return t, FormAllDay

	case dateOnly && isDateTime(val):
		// Some producers append T000000 to VALUE=DATE values; keep the date.
		t, err := time.ParseInLocation(layoutDate, val[:8], loc)
		if err != nil {
			return time.Time{}, FormNone
		}
		return t, FormAllDay

	case len(val) == 16 && isDateTime(val[:15]) && val[15] == 'Z':
		t, err := time.ParseInLocation(layoutDateTime, val[:15], time.UTC)
		if err != nil {
			return time.Time{}, FormNone
		}
		return t, FormUTC

	case len(val) == 20 && isDateTime(val[:15]) && (val[15] == '+' || val[15] == '-') && allDigits(val[16:]):
		wall, err := time.ParseInLocation(layoutDateTime, val[:15], time.UTC)
		if err != nil {
			return time.Time{}, FormNone
		}
		offset, ok := parseOffset(val[15:])
		if !ok {
			return time.Time{}, FormNone
		}
		return wall.Add(-offset), FormOffset

	case len(val) == 15 && isDateTime(val):
		t, err := time.ParseInLocation(layoutDateTime, val, loc)
		if err != nil {
			return time.Time{}, FormNone
		}
		return t, FormFloating
	}

	if isDateTimePrefix(val) {
		// Basic-format shape that matched none of the forms above.
		return time.Time{}, FormNone
	}

	for _, layout := range fallbackLayouts {
		if t, err := time.ParseInLocation(layout, val, loc); err == nil {
			return t, FormFallback
		}
	}
	return time.Time{}, FormNone
}

func (n Normalizer) location() *time.Location {
	if n.Location == nil {
		return time.Local
	}
	return n.Location
}

// parseOffset reads "+HHMM" / "-HHMM". Hours above 23 or minutes above 59
// are rejected.
func parseOffset(s string) (time.Duration, bool) {
	if len(s) != 5 {
		return 0, false
	}
	hh, err := strconv.Atoi(s[1:3])
	if err != nil || hh > 23 {
		return 0, false
	}
	mm, err := strconv.Atoi(s[3:5])
	if err != nil || mm > 59 {
		return 0, false
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if s[0] == '-' {
		d = -d
	}
	return d, true
}

// isDateTime reports whether s is exactly "DDDDDDDDTDDDDDD".
func isDateTime(s string) bool {
	return len(s) == 15 && allDigits(s[:8]) && s[8] == 'T' && allDigits(s[9:])
}

// isDateTimePrefix reports whether s starts with "DDDDDDDDT".
func isDateTimePrefix(s string) bool {
	return len(s) >= 9 && allDigits(s[:8]) && s[8] == 'T'
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
