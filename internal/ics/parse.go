package ics

import (
	"strings"

	"homecal/internal/model"
)

// DefaultUntitled is the summary given to events without a SUMMARY.
const DefaultUntitled = "(No title)"

// Parser converts ICS text into normalized events.
type Parser struct {
	Normalizer Normalizer
	// Untitled replaces a missing or empty SUMMARY. Empty means DefaultUntitled.
	Untitled string
}

// Parse unfolds text, extracts its VEVENTs and normalizes their dates.
//
//   - Events whose DTSTART is missing or cannot be normalized are dropped.
//   - A DTEND that cannot be normalized becomes nil; the event is kept.
//   - SUMMARY and LOCATION are unescaped (RFC 5545 §3.3.11).
//
// Parse never fails: text with no VEVENTs yields an empty slice.
func (p Parser) Parse(text string) []model.CalendarEvent {
	raws := Extract(Unfold(text))
	out := make([]model.CalendarEvent, 0, len(raws))

	for _, raw := range raws {
		ev, ok := p.convert(raw)
		if !ok {
			continue
		}
		out = append(out, ev)
	}

	return out
}

func (p Parser) convert(raw RawEvent) (model.CalendarEvent, bool) {
	var ev model.CalendarEvent

	startProp, ok := raw.Get(PropDtStart)
	if !ok {
		return ev, false
	}
	start, form := p.Normalizer.Classify(startProp.Value, startProp.DateOnly)
	if form == FormNone {
		return ev, false
	}
	ev.Start = start
	ev.AllDay = form == FormAllDay

	if endProp, ok := raw.Get(PropDtEnd); ok {
		if end, ok := p.Normalizer.Normalize(endProp.Value, endProp.DateOnly); ok {
			ev.End = &end
		}
	}

	ev.Summary = p.untitled()
	if s, ok := raw.Get(PropSummary); ok {
		if v := UnescapeText(s.Value); v != "" {
			ev.Summary = v
		}
	}
	if l, ok := raw.Get(PropLocation); ok {
		ev.Location = UnescapeText(l.Value)
	}

	return ev, true
}

func (p Parser) untitled() string {
	if p.Untitled == "" {
		return DefaultUntitled
	}
	return p.Untitled
}

var textUnescaper = strings.NewReplacer(
	`\\`, `\`,
	`\;`, `;`,
	`\,`, `,`,
	`\n`, "\n",
	`\N`, "\n",
)

// UnescapeText reverses TEXT value escaping.
func UnescapeText(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	return textUnescaper.Replace(s)
}
