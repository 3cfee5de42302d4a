package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homecal/internal/aggregate"
	"homecal/internal/config"
	"homecal/internal/httpx"
	"homecal/internal/ics"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	workURL   = "https://calendar.example.com/ical/work%40example.com/private-abc/basic.ics"
	familyURL = "https://calendar.example.com/ical/family.smith%40example.com/private-def/basic.ics"
)

type stubFetcher struct {
	bodies map[string]string
	errs   map[string]error
}

func (f stubFetcher) Fetch(_ context.Context, url string) (string, error) {
	if err := f.errs[url]; err != nil {
		return "", err
	}
	return f.bodies[url], nil
}

type vevent struct {
	start, end time.Time
	summary    string
	location   string
}

func feed(events ...vevent) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n")
	for _, ev := range events {
		b.WriteString("BEGIN:VEVENT\r\n")
		fmt.Fprintf(&b, "DTSTART:%s\r\n", ev.start.UTC().Format("20060102T150405Z"))
		if !ev.end.IsZero() {
			fmt.Fprintf(&b, "DTEND:%s\r\n", ev.end.UTC().Format("20060102T150405Z"))
		}
		if ev.summary != "" {
			fmt.Fprintf(&b, "SUMMARY:%s\r\n", ev.summary)
		}
		if ev.location != "" {
			fmt.Fprintf(&b, "LOCATION:%s\r\n", ev.location)
		}
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return b.String()
}

func newTestServer(t *testing.T, cfg *config.Config, f aggregate.Fetcher) *Server {
	t.Helper()
	cfg.Normalize()
	agg := aggregate.New(f,
		aggregate.WithClock(func() time.Time { return testNow }),
		aggregate.WithMaxEvents(cfg.MaxEvents),
	)
	return NewServer(cfg, agg, nil)
}

func defaultFixture(t *testing.T) *Server {
	cfg := config.DefaultConfig()
	cfg.AllowedOrigins = []string{"https://start.example.com", "https://alt.example.com"}
	cfg.Sources = []config.SourceConfig{{URL: workURL}, {URL: familyURL}}

	f := stubFetcher{bodies: map[string]string{
		workURL: feed(
			vevent{start: testNow.Add(2 * time.Hour), end: testNow.Add(3 * time.Hour), summary: "Standup", location: "Room 2"},
			vevent{start: testNow.Add(20 * 24 * time.Hour), summary: "Far away"},
			vevent{start: testNow.Add(-2 * 24 * time.Hour), summary: "Last week"},
		),
		familyURL: feed(
			vevent{start: testNow.Add(time.Hour)},
		),
	}}
	return newTestServer(t, cfg, f)
}

func get(t *testing.T, s *Server, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) eventsResponse {
	t.Helper()
	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestHandleEvents_MergedList(t *testing.T) {
	s := defaultFixture(t)
	rec := get(t, s, "/api/calendar")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	resp := decode(t, rec)
	require.Equal(t, 2, resp.Count)
	require.Len(t, resp.Events, 2)
	assert.Empty(t, resp.Error)
	assert.Nil(t, resp.Debug)

	first := resp.Events[0]
	assert.Equal(t, "(No title)", first.Summary)
	assert.Equal(t, "2025-03-01T13:00:00.000Z", first.Start)
	assert.Nil(t, first.End)
	assert.Equal(t, 1, first.Src)
	assert.Equal(t, "Family", first.SrcLabel)

	second := resp.Events[1]
	assert.Equal(t, "Standup", second.Summary)
	assert.Equal(t, "Room 2", second.Location)
	require.NotNil(t, second.End)
	assert.Equal(t, "2025-03-01T15:00:00.000Z", *second.End)
	assert.Equal(t, 0, second.Src)
	assert.Equal(t, "work", second.SrcLabel)
}

func TestHandleEvents_EndIsNullInJSON(t *testing.T) {
	rec := get(t, defaultFixture(t), "/api/calendar")
	var raw struct {
		Events []map[string]any `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.NotEmpty(t, raw.Events)

	end, present := raw.Events[0]["end"]
	assert.True(t, present)
	assert.Nil(t, end)
	assert.NotContains(t, rec.Body.String(), `"debug"`)
}

func TestHandleEvents_EventsAlias(t *testing.T) {
	s := defaultFixture(t)
	a := decode(t, get(t, s, "/api/calendar?days=30"))
	b := decode(t, get(t, s, "/api/events?days=30"))
	assert.Equal(t, a, b)
	assert.Equal(t, 3, a.Count)
}

func TestHandleEvents_WindowQuery(t *testing.T) {
	s := defaultFixture(t)
	cases := []struct {
		query string
		count int
	}{
		{"", 2},
		{"?days=30", 3},
		{"?days=30days", 3},
		{"?days=0", 2},
		{"?days=abc", 2},
		{"?days=1&pastDays=3", 3},
		{"?days=-5", 2},
		{"?days=30&pastDays=7", 4},
		{"?pastDays=nope", 2},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			resp := decode(t, get(t, s, "/api/calendar"+tc.query))
			assert.Equal(t, tc.count, resp.Count)
		})
	}
}

func TestHandleEvents_Debug(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sources = []config.SourceConfig{{URL: workURL, Label: "Work"}, {URL: "https://down.example.com/cal.ics"}}
	f := stubFetcher{
		bodies: map[string]string{workURL: feed(vevent{start: testNow.Add(time.Hour), summary: "A"})},
		errs:   map[string]error{"https://down.example.com/cal.ics": &ics.StatusError{Code: http.StatusNotFound}},
	}
	s := newTestServer(t, cfg, f)

	for _, flag := range []string{"1", "true"} {
		resp := decode(t, get(t, s, "/api/calendar?days=200&pastDays=2&debug="+flag))
		require.NotNil(t, resp.Debug, flag)

		d := resp.Debug
		assert.Equal(t, []string{workURL, "https://down.example.com/cal.ics"}, d.URLsUsed)
		assert.Equal(t, 90, d.Days)
		assert.Equal(t, 2, d.PastDays)
		assert.Empty(t, d.SnapshotAt)
		require.Len(t, d.PerURL, 2)

		assert.Equal(t, 1, d.PerURL[0].Count)
		assert.Equal(t, 1, d.PerURL[0].Kept)
		assert.Nil(t, d.PerURL[0].Error)

		assert.Equal(t, 0, d.PerURL[1].Count)
		require.NotNil(t, d.PerURL[1].Error)
		assert.Equal(t, "ICS HTTP 404", *d.PerURL[1].Error)

		assert.Equal(t, 1, resp.Count)
		assert.Equal(t, "Work", resp.Events[0].SrcLabel)
	}

	resp := decode(t, get(t, s, "/api/calendar?debug=yes"))
	assert.Nil(t, resp.Debug)
}

func TestHandleEvents_AllSourcesFailing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sources = []config.SourceConfig{{URL: "https://a.example.com/x.ics"}}
	s := newTestServer(t, cfg, stubFetcher{errs: map[string]error{"https://a.example.com/x.ics": errors.New("boom")}})

	rec := get(t, s, "/api/calendar")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Events)
	assert.Empty(t, resp.Error)
}

func TestHandleEvents_NoSources(t *testing.T) {
	s := newTestServer(t, config.DefaultConfig(), stubFetcher{})

	rec := get(t, s, "/api/calendar?debug=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[],"count":0,"error":"No iCal URLs configured"}`, rec.Body.String())
}

func TestHandleEvents_UsesFreshSnapshot(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sources = []config.SourceConfig{{URL: workURL}}
	cfg.Normalize()

	f := &countingFetcher{body: feed(vevent{start: testNow.Add(time.Hour), summary: "Cached"})}
	agg := aggregate.New(f, aggregate.WithClock(func() time.Time { return testNow }))
	snap := aggregate.NewSnapshot(agg, cfg.URLs(), cfg.Labels(), time.Minute)
	snap.Refresh(context.Background())
	require.Equal(t, 1, f.calls)

	s := NewServer(cfg, agg, snap)
	resp := decode(t, get(t, s, "/api/calendar?debug=1"))
	assert.Equal(t, 1, f.calls, "fresh snapshot must not refetch")
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "Cached", resp.Events[0].Summary)
	assert.Equal(t, "2025-03-01T12:00:00.000Z", resp.Debug.SnapshotAt)
}

type countingFetcher struct {
	body  string
	calls int
}

func (f *countingFetcher) Fetch(context.Context, string) (string, error) {
	f.calls++
	return f.body, nil
}

func TestCORSAndMethods(t *testing.T) {
	s := defaultFixture(t)

	rec := get(t, s, "/api/calendar", "Origin", "https://alt.example.com")
	assert.Equal(t, "https://alt.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, s, "/api/calendar", "Origin", "https://evil.example.com")
	assert.Equal(t, "https://start.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodOptions, "/api/calendar", nil)
	req.Header.Set("Origin", "https://start.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodPost, "/api/calendar", strings.NewReader("{}"))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.JSONEq(t, `{"error":"Method Not Allowed"}`, rec.Body.String())
	assert.Equal(t, "https://start.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnsupportedMethods(t *testing.T) {
	s := defaultFixture(t)

	for _, path := range []string{"/api/calendar", "/api/events", "/api/calendar.ics"} {
		for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
			req := httptest.NewRequest(method, path, nil)
			req.Header.Set("Origin", "https://alt.example.com")
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			name := method + " " + path
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, name)
			assert.JSONEq(t, `{"error":"Method Not Allowed"}`, rec.Body.String(), name)
			assert.Equal(t, "https://alt.example.com", rec.Header().Get("Access-Control-Allow-Origin"), name)
		}
	}
}

func TestFallbackHandlersRunMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Normalize()
	agg := aggregate.New(stubFetcher{}, aggregate.WithClock(func() time.Time { return testNow }))

	var seen []string
	record := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = append(seen, r.Method+" "+r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	s := NewServer(cfg, agg, nil, httpx.Logger(), record)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/calendar", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"GET /nope", "POST /api/calendar", "GET /health"}, seen)
}

func TestHealthAndNotFound(t *testing.T) {
	s := defaultFixture(t)

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = get(t, s, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Not Found"}`, rec.Body.String())
}

func TestHandleExport(t *testing.T) {
	s := defaultFixture(t)
	rec := get(t, s, "/api/calendar.ics?days=30")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))

	events := ics.Parser{}.Parse(rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "(No title)", events[0].Summary)
	assert.Equal(t, "Standup", events[1].Summary)
	assert.Equal(t, "Far away", events[2].Summary)
}

func TestHandleExport_NoSources(t *testing.T) {
	s := newTestServer(t, config.DefaultConfig(), stubFetcher{})
	rec := get(t, s, "/api/calendar.ics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "BEGIN:VCALENDAR")
	assert.NotContains(t, rec.Body.String(), "BEGIN:VEVENT")
}

func TestParseLeadingInt(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"14", 14, true},
		{" 7 ", 7, true},
		{"30days", 30, true},
		{"-3", -3, true},
		{"+5", 5, true},
		{"3.9", 3, true},
		{"", 0, false},
		{"abc", 0, false},
		{"-", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseLeadingInt(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
