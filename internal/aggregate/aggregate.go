// Package aggregate merges many ICS feeds into one windowed, sorted and
// capped event list.
//
// Collection is settle-all: every configured source is fetched concurrently
// and every outcome, success or failure, is kept at its source index before
// anything is merged. One bad feed never fails the batch.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"homecal/internal/ics"
	appLog "homecal/internal/log"
	"homecal/internal/model"
)

// DefaultMaxEvents bounds the response size.
const DefaultMaxEvents = 400

// ErrNoSources is reported when configuration yields zero feed URLs.
var ErrNoSources = errors.New("no iCal URLs configured")

// Fetcher retrieves the raw text of one feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Aggregator fetches, parses, merges and filters ICS feeds.
type Aggregator struct {
	fetcher   Fetcher
	parser    ics.Parser
	maxEvents int
	now       func() time.Time
	metrics   *sourceMetrics
	tracer    trace.Tracer
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithParser sets the parser used for every feed.
func WithParser(p ics.Parser) Option {
	return func(a *Aggregator) {
		a.parser = p
	}
}

// WithMaxEvents sets the result cap. Values <= 0 keep DefaultMaxEvents.
func WithMaxEvents(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxEvents = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// New creates an Aggregator reading feeds through f.
func New(f Fetcher, opts ...Option) *Aggregator {
	a := &Aggregator{
		fetcher:   f,
		maxEvents: DefaultMaxEvents,
		now:       time.Now,
		tracer:    otel.Tracer("homecal/aggregate"),
	}
	for _, opt := range opts {
		opt(a)
	}

	m, err := newSourceMetrics()
	if err != nil {
		appLog.Error("aggregate: metrics unavailable", err)
	} else {
		a.metrics = m
	}
	return a
}

// Now returns the aggregator's current time.
func (a *Aggregator) Now() time.Time {
	return a.now()
}

// SourceReport is the per-source diagnostic of one aggregation.
type SourceReport struct {
	URL   string
	Label string
	// Count is the number of events parsed from the source.
	Count int
	// Kept is the number of the source's events in the final list.
	Kept int
	Err  error
}

// Result is one aggregated response.
type Result struct {
	Events  []model.CalendarEvent
	Sources []SourceReport
	Window  Window
	From    time.Time
	To      time.Time
	// Err is ErrNoSources when nothing was configured. It is a condition
	// to report, not a failure of the request.
	Err error
}

// Aggregate collects every source and assembles the result for the
// aggregator's current time.
func (a *Aggregator) Aggregate(ctx context.Context, urls, labels []string, w Window) Result {
	if len(urls) == 0 {
		return a.Assemble(nil, w, a.now())
	}
	return a.Assemble(a.Collect(ctx, urls, labels), w, a.now())
}

// Collect fetches and parses all urls concurrently and waits until every one
// has settled. Result i always describes urls[i], whatever order the fetches
// complete in. Each source's label is resolved here: labels[i] when set,
// otherwise derived from the URL.
func (a *Aggregator) Collect(ctx context.Context, urls, labels []string) []model.SourceResult {
	ctx, span := a.tracer.Start(ctx, "aggregate.collect",
		trace.WithAttributes(attribute.Int("ics.sources", len(urls))),
	)
	defer span.End()

	results := make([]model.SourceResult, len(urls))

	// Goroutines never return an error, so Wait cannot short-circuit: the
	// group is only a join barrier.
	var g errgroup.Group
	for i, u := range urls {
		g.Go(func() error {
			results[i] = a.collectOne(ctx, i, u, ics.ResolveLabel(labels, i, u))
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("ics.sources.failed", failed))
	appLog.Info("ics sources collected", "sources", len(urls), "failed", failed)

	return results
}

func (a *Aggregator) collectOne(ctx context.Context, index int, url, label string) (res model.SourceResult) {
	res = model.SourceResult{Index: index, URL: url, Label: label, Events: []model.CalendarEvent{}}
	start := time.Now()

	defer func() {
		// A panic in one pipeline must not take down the others.
		if p := recover(); p != nil {
			res.Events = []model.CalendarEvent{}
			res.Err = panicError{value: p}
			appLog.Error("ics source pipeline panicked", res.Err, "src", index, "url", ics.RedactURL(url))
		}
		a.metrics.record(ctx, index, time.Since(start), len(res.Events), res.Err)
	}()

	text, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		res.Err = err
		appLog.Error("ics fetch failed", err, "src", index, "url", ics.RedactURL(url))
		return res
	}

	events := a.parser.Parse(text)
	for i := range events {
		events[i].SourceIndex = index
		events[i].SourceLabel = label
	}
	res.Events = events

	appLog.Debug("ics parse completed", "src", index, "url", ics.RedactURL(url), "event_count", len(events))
	return res
}

// Assemble flattens results, keeps events starting inside the window
// relative to now, sorts them by start (stable) and truncates to the cap.
func (a *Aggregator) Assemble(results []model.SourceResult, w Window, now time.Time) Result {
	from, to := w.Bounds(now)
	out := Result{
		Events:  []model.CalendarEvent{},
		Sources: make([]SourceReport, len(results)),
		Window:  w,
		From:    from,
		To:      to,
	}
	if len(results) == 0 {
		out.Err = ErrNoSources
		return out
	}

	total := 0
	for _, r := range results {
		total += len(r.Events)
	}
	all := make([]model.CalendarEvent, 0, total)
	for _, r := range results {
		for _, ev := range r.Events {
			if !w.Contains(now, ev.Start) {
				continue
			}
			all = append(all, ev)
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Start.Before(all[j].Start)
	})
	if len(all) > a.maxEvents {
		all = all[:a.maxEvents]
	}
	out.Events = all

	kept := make(map[int]int, len(results))
	for _, ev := range all {
		kept[ev.SourceIndex]++
	}
	for i, r := range results {
		out.Sources[i] = SourceReport{
			URL:   r.URL,
			Label: r.Label,
			Count: len(r.Events),
			Kept:  kept[r.Index],
			Err:   r.Err,
		}
	}

	return out
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("internal error while processing source: %v", p.value)
}
