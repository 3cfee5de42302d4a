package ics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabelFromURL(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want string
	}{
		{"google group calendar", "https://calendar.google.com/calendar/ical/work123%40group.calendar.google.com/private-abc/basic.ics", "work123"},
		{"literal at sign", "https://calendar.google.com/calendar/ical/jane.doe@gmail.com/private-abc/basic.ics", "jane.doe"},
		{"family prefix", "https://calendar.google.com/calendar/ical/family07421%40group.calendar.google.com/public/basic.ics", FamilyLabel},
		{"family any case", "https://example.com/cal/FamilyStuff@example.com/feed.ics", FamilyLabel},
		{"empty local part", "https://example.com/cal/@example.com/feed.ics", FallbackLabel},
		{"no identifier", "https://example.com/calendar/feed.ics", FallbackLabel},
		{"no path", "https://example.com", FallbackLabel},
		{"malformed", "://bad url%%", FallbackLabel},
		{"empty", "", FallbackLabel},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LabelFromURL(tc.url))
		})
	}
}

func TestResolveLabel(t *testing.T) {
	labels := []string{"Perso", "", "  "}
	url := "https://example.com/ical/team@example.com/basic.ics"

	assert.Equal(t, "Perso", ResolveLabel(labels, 0, url))
	assert.Equal(t, "team", ResolveLabel(labels, 1, url))
	assert.Equal(t, "team", ResolveLabel(labels, 2, url))
	assert.Equal(t, "team", ResolveLabel(labels, 5, url))
	assert.Equal(t, "team", ResolveLabel(nil, 0, url))
}
