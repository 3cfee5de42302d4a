package ics

import (
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"homecal/internal/model"
)

// exportNamespace scopes the name-based UUIDs of exported events.
var exportNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("homecal:export"))

// Export renders events as a single merged iCalendar feed. Each source label
// is written as CATEGORIES. UIDs are derived from source, start and summary,
// so re-exporting the same events yields the same UIDs.
func Export(events []model.CalendarEvent, name string, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//homecal//merged feed//EN")
	if name != "" {
		cal.SetXWRCalName(name)
	}

	stamp := now.UTC()
	for _, ev := range events {
		vev := cal.AddEvent(ExportUID(ev))
		vev.SetDtStampTime(stamp)
		if ev.AllDay {
			vev.SetAllDayStartAt(ev.Start)
			if ev.End != nil {
				vev.SetAllDayEndAt(*ev.End)
			}
		} else {
			vev.SetStartAt(ev.Start)
			if ev.End != nil {
				vev.SetEndAt(*ev.End)
			}
		}
		vev.SetSummary(ev.Summary)
		if ev.Location != "" {
			vev.SetLocation(ev.Location)
		}
		if ev.SourceLabel != "" {
			vev.SetProperty(ical.ComponentPropertyCategories, ev.SourceLabel)
		}
	}

	return cal.Serialize()
}

// ExportUID returns the stable UID used for ev in exported feeds.
func ExportUID(ev model.CalendarEvent) string {
	key := strconv.Itoa(ev.SourceIndex) + "|" + ev.Start.UTC().Format(time.RFC3339) + "|" + ev.Summary
	return uuid.NewSHA1(exportNamespace, []byte(key)).String() + "@homecal"
}
