package ics

import (
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homecal/internal/model"
)

func TestExport_RoundTrip(t *testing.T) {
	start := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	events := []model.CalendarEvent{
		{Summary: "Standup", Location: "Room 2", Start: start, End: &end, SourceIndex: 0, SourceLabel: "Work"},
		{Summary: "Dentist", Start: start.Add(24 * time.Hour), SourceIndex: 1, SourceLabel: "Perso"},
	}

	out := Export(events, "Merged", start)
	assert.True(t, strings.HasPrefix(out, "BEGIN:VCALENDAR"))
	assert.Contains(t, out, "X-WR-CALNAME:Merged")

	cal, err := ical.ParseCalendar(strings.NewReader(out))
	require.NoError(t, err)
	parsed := cal.Events()
	require.Len(t, parsed, 2)

	assert.Equal(t, "Standup", parsed[0].GetProperty(ical.ComponentPropertySummary).Value)
	assert.Equal(t, "Room 2", parsed[0].GetProperty(ical.ComponentPropertyLocation).Value)
	assert.Equal(t, "Work", parsed[0].GetProperty(ical.ComponentPropertyCategories).Value)
	assert.Equal(t, ExportUID(events[0]), parsed[0].Id())

	gotStart, err := parsed[0].GetStartAt()
	require.NoError(t, err)
	assert.True(t, gotStart.Equal(start))

	assert.Nil(t, parsed[1].GetProperty(ical.ComponentPropertyDtEnd))

	// Our own parser reads the export back too.
	own := Parser{}.Parse(out)
	require.Len(t, own, 2)
	assert.True(t, own[0].Start.Equal(start))
	require.NotNil(t, own[0].End)
	assert.True(t, own[0].End.Equal(end))
}

func TestExportUID_Stable(t *testing.T) {
	ev := model.CalendarEvent{Summary: "A", Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), SourceIndex: 2}
	assert.Equal(t, ExportUID(ev), ExportUID(ev))

	other := ev
	other.SourceIndex = 3
	assert.NotEqual(t, ExportUID(ev), ExportUID(other))
	assert.True(t, strings.HasSuffix(ExportUID(ev), "@homecal"))
}
