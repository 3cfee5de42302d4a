package ics

import "strings"

// Unfold splits raw calendar text on CRLF or LF and reassembles folded
// content lines (RFC 5545 §3.1).
//
// A physical line starting with a single space or tab continues the previous
// logical line: the first whitespace character is dropped and the rest is
// appended. A continuation line with no predecessor starts a new line.
func Unfold(text string) []string {
	if text == "" {
		return nil
	}

	physical := strings.Split(text, "\n")
	lines := make([]string, 0, len(physical))

	for _, p := range physical {
		p = strings.TrimSuffix(p, "\r")
		if len(p) > 0 && (p[0] == ' ' || p[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += p[1:]
			continue
		}
		lines = append(lines, p)
	}

	return lines
}
