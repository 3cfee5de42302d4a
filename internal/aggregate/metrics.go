package aggregate

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// sourceMetrics records per-source fetch outcomes.
type sourceMetrics struct {
	fetches  metric.Int64Counter
	duration metric.Float64Histogram
	events   metric.Int64Counter
}

func newSourceMetrics() (*sourceMetrics, error) {
	meter := otel.Meter("homecal/aggregate")

	fetches, err := meter.Int64Counter(
		"ics.source.fetches",
		metric.WithDescription("ICS source fetches by outcome"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"ics.source.fetch.duration",
		metric.WithDescription("ICS source fetch and parse duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	events, err := meter.Int64Counter(
		"ics.source.events",
		metric.WithDescription("Events parsed from ICS sources"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	return &sourceMetrics{fetches: fetches, duration: duration, events: events}, nil
}

func (m *sourceMetrics) record(ctx context.Context, index int, elapsed time.Duration, eventCount int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.Int("ics.source.index", index),
		attribute.String("outcome", outcome),
	)
	m.fetches.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	if eventCount > 0 {
		m.events.Add(ctx, int64(eventCount), metric.WithAttributes(attribute.Int("ics.source.index", index)))
	}
}
