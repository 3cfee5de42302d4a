package ics

import (
	"net/url"
	"strings"
)

const (
	// FallbackLabel is used when no label can be derived from a source URL.
	FallbackLabel = "Agenda"
	// FamilyLabel replaces calendar IDs whose local part starts with "family".
	FamilyLabel = "Family"
)

// LabelFromURL derives a display label from a feed URL.
//
// Calendar services put generated IDs such as
// "abc123@group.calendar.google.com" in the path; the first path segment
// containing '@' yields its local part. Anything else, including an
// unparseable URL, gives FallbackLabel.
func LabelFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.EscapedPath() == "" {
		return FallbackLabel
	}

	for _, seg := range strings.Split(u.EscapedPath(), "/") {
		if seg == "" {
			continue
		}
		if decoded, err := url.PathUnescape(seg); err == nil {
			seg = decoded
		}
		at := strings.IndexByte(seg, '@')
		if at < 0 {
			continue
		}
		local := seg[:at]
		if strings.HasPrefix(strings.ToLower(local), "family") {
			return FamilyLabel
		}
		if local == "" {
			return FallbackLabel
		}
		return local
	}

	return FallbackLabel
}

// ResolveLabel returns labels[i] when it is set, otherwise the label derived
// from the URL.
func ResolveLabel(labels []string, i int, rawURL string) string {
	if i >= 0 && i < len(labels) {
		if l := strings.TrimSpace(labels[i]); l != "" {
			return l
		}
	}
	return LabelFromURL(rawURL)
}
