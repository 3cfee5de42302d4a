package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "homecal/internal/log"
	"homecal/internal/model"
)

// Snapshot keeps the latest background collection of all sources so
// requests can skip the network while it is fresh. Window filtering is not
// cached; callers still assemble against their own processing time.
type Snapshot struct {
	agg    *Aggregator
	urls   []string
	labels []string
	maxAge time.Duration

	// refreshMu serializes collections; mu guards the stored results.
	refreshMu   sync.Mutex
	mu          sync.RWMutex
	results     []model.SourceResult
	collectedAt time.Time

	cron *cron.Cron
	// initial tracks the refresh Start kicks off outside cron.
	initial sync.WaitGroup
}

// NewSnapshot creates an empty snapshot for the given sources.
func NewSnapshot(agg *Aggregator, urls, labels []string, maxAge time.Duration) *Snapshot {
	return &Snapshot{
		agg:    agg,
		urls:   append([]string(nil), urls...),
		labels: append([]string(nil), labels...),
		maxAge: maxAge,
	}
}

// Refresh collects every source now and replaces the stored results.
func (s *Snapshot) Refresh(ctx context.Context) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if len(s.urls) == 0 {
		return
	}

	results := s.agg.Collect(ctx, s.urls, s.labels)
	at := s.agg.Now()

	s.mu.Lock()
	s.results = results
	s.collectedAt = at
	s.mu.Unlock()

	appLog.Info("snapshot refreshed", "sources", len(results), "collected_at", at.Format(time.RFC3339))
}

// Fresh returns the stored results when they are younger than maxAge at now.
// The returned slice must be treated as read-only.
func (s *Snapshot) Fresh(now time.Time) ([]model.SourceResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.results == nil || now.Sub(s.collectedAt) > s.maxAge {
		return nil, false
	}
	return s.results, true
}

// CollectedAt returns when the stored results were collected, zero if never.
func (s *Snapshot) CollectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectedAt
}

// Start schedules Refresh with a cron spec ("*/10 * * * *", "@every 5m")
// and runs one refresh immediately in the background.
func (s *Snapshot) Start(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.Refresh(ctx) }); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	s.cron = c
	c.Start()

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.Refresh(ctx)
	}()

	appLog.Info("snapshot scheduler started", "refresh", spec, "max_age", s.maxAge.String())
	return nil
}

// Stop halts the scheduler and waits until no refresh is running, scheduled
// or initial, or until ctx ends.
func (s *Snapshot) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	cronDone := s.cron.Stop()

	idle := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.initial.Wait()
		close(idle)
	}()

	select {
	case <-idle:
	case <-ctx.Done():
	}
}
