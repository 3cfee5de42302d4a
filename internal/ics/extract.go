package ics

import (
	"strings"
)

// Property names the extractor keeps. Everything else inside a VEVENT is ignored.
const (
	PropDtStart  = "DTSTART"
	PropDtEnd    = "DTEND"
	PropSummary  = "SUMMARY"
	PropLocation = "LOCATION"
)

var wantedProps = map[string]bool{
	PropDtStart:  true,
	PropDtEnd:    true,
	PropSummary:  true,
	PropLocation: true,
}

// ContentLine is one tokenized "NAME;PARAM=VAL:value" line.
type ContentLine struct {
	Name   string
	Params map[string][]string
	Value  string
}

// Param returns the first value of the named parameter, or "".
func (c ContentLine) Param(name string) string {
	vs := c.Params[strings.ToUpper(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// RawProperty is the captured value of one property plus the only parameter
// hint the normalizer uses.
type RawProperty struct {
	Value string
	// DateOnly is set when the property declared VALUE=DATE.
	DateOnly bool
}

// RawEvent is the property bag of one complete VEVENT, keyed by property name.
type RawEvent map[string]RawProperty

// Get returns the property and whether it was present.
func (e RawEvent) Get(name string) (RawProperty, bool) {
	p, ok := e[name]
	return p, ok
}

type extractState int

const (
	stateOutsideEvent extractState = iota
	stateInsideEvent
)

// Extract walks unfolded lines and returns one RawEvent per complete
// BEGIN:VEVENT ... END:VEVENT block.
//
// Lines outside a VEVENT are ignored. Sub-components inside an event (VALARM)
// are skipped so their SUMMARY cannot overwrite the event's. A VEVENT that is
// still open at end of input is dropped.
func Extract(lines []string) []RawEvent {
	var (
		events []RawEvent
		cur    RawEvent
		state  = stateOutsideEvent
		nested int
	)

	for _, line := range lines {
		cl, ok := ParseContentLine(line)
		if !ok {
			continue
		}

		switch state {
		case stateOutsideEvent:
			if cl.Name == "BEGIN" && strings.EqualFold(cl.Value, "VEVENT") {
				cur = RawEvent{}
				nested = 0
				state = stateInsideEvent
			}

		case stateInsideEvent:
			switch {
			case cl.Name == "BEGIN" && strings.EqualFold(cl.Value, "VEVENT"):
				// Unterminated previous event; start over.
				cur = RawEvent{}
				nested = 0
			case cl.Name == "BEGIN":
				nested++
			case cl.Name == "END" && nested > 0:
				nested--
			case cl.Name == "END" && strings.EqualFold(cl.Value, "VEVENT"):
				events = append(events, cur)
				cur = nil
				state = stateOutsideEvent
			case nested == 0 && wantedProps[cl.Name]:
				cur[cl.Name] = RawProperty{
					Value:    cl.Value,
					DateOnly: strings.EqualFold(cl.Param("VALUE"), "DATE"),
				}
			}
		}
	}

	return events
}

// ParseContentLine tokenizes a single unfolded line.
//
// The name runs up to the first ';' or ':'. Parameters are ';'-separated
// NAME=VALUE[,VALUE] pairs whose values may be double-quoted; a ':' inside
// quotes does not end the parameter block. The value is everything after the
// first unquoted ':' with surrounding whitespace trimmed.
func ParseContentLine(line string) (ContentLine, bool) {
	var cl ContentLine

	i := strings.IndexAny(line, ";:")
	if i <= 0 {
		return cl, false
	}
	name := strings.ToUpper(strings.TrimSpace(line[:i]))
	if !validName(name) {
		return cl, false
	}
	cl.Name = name

	rest := line[i:]
	for len(rest) > 0 && rest[0] == ';' {
		rest = rest[1:]
		eq := strings.IndexByte(rest, '=')
		stop := strings.IndexAny(rest, ";:")
		if eq < 0 || (stop >= 0 && stop < eq) {
			// Malformed parameter without a value; skip to the next delimiter.
			if stop < 0 {
				return cl, false
			}
			rest = rest[stop:]
			continue
		}
		pname := strings.ToUpper(strings.TrimSpace(rest[:eq]))
		rest = rest[eq+1:]

		var values []string
		for {
			var v string
			if len(rest) > 0 && rest[0] == '"' {
				end := strings.IndexByte(rest[1:], '"')
				if end < 0 {
					return cl, false
				}
				v = rest[1 : end+1]
				rest = rest[end+2:]
			} else {
				end := strings.IndexAny(rest, ",;:")
				if end < 0 {
					return cl, false
				}
				v = rest[:end]
				rest = rest[end:]
			}
			values = append(values, v)
			if len(rest) > 0 && rest[0] == ',' {
				rest = rest[1:]
				continue
			}
			break
		}

		if cl.Params == nil {
			cl.Params = make(map[string][]string)
		}
		cl.Params[pname] = append(cl.Params[pname], values...)
	}

	if len(rest) == 0 || rest[0] != ':' {
		return cl, false
	}
	cl.Value = strings.TrimSpace(rest[1:])
	return cl, true
}

func validName(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return s != ""
}
