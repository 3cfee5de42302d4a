package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"homecal/internal/aggregate"
	"homecal/internal/config"
	"homecal/internal/httpx"
	"homecal/internal/ics"
	appLog "homecal/internal/log"
	"homecal/internal/model"
)

// noSourcesMessage is returned, with status 200, when no feed is configured.
const noSourcesMessage = "No iCal URLs configured"

// isoMillis matches the ISO-8601 form the start page expects.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Server provides the calendar HTTP API.
type Server struct {
	cfg      *config.Config
	agg      *aggregate.Aggregator
	snapshot *aggregate.Snapshot
	router   *mux.Router

	urls   []string
	labels []string
}

// NewServer constructs a new Server. snapshot may be nil, in which case every
// request fetches all sources live.
func NewServer(cfg *config.Config, agg *aggregate.Aggregator, snapshot *aggregate.Snapshot, middleware ...mux.MiddlewareFunc) *Server {
	s := &Server{
		cfg:      cfg,
		agg:      agg,
		snapshot: snapshot,
		router:   mux.NewRouter(),
		urls:     cfg.URLs(),
		labels:   cfg.Labels(),
	}
	s.registerRoutes(middleware)
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Live aggregation waits for the slowest source.
		WriteTimeout: s.cfg.FetchTimeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "sources", len(s.urls))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	appLog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) registerRoutes(middleware []mux.MiddlewareFunc) {
	r := s.router
	cors := httpx.CORS(s.cfg.AllowedOrigins)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Flat routes: a PathPrefix subrouter turns a method mismatch on one of
	// its earlier routes into a 404.
	r.Handle("/api/calendar", cors(http.HandlerFunc(s.handleEvents))).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/api/events", cors(http.HandlerFunc(s.handleEvents))).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/api/calendar.ics", cors(http.HandlerFunc(s.handleExport))).Methods(http.MethodGet, http.MethodOptions)

	// mux only runs r.Use middleware on matched routes, so the fallback
	// handlers get the chain applied directly.
	r.MethodNotAllowedHandler = chain(cors(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})), middleware)
	r.NotFoundHandler = chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "Not Found")
	}), middleware)

	r.Use(middleware...)
}

// chain wraps h so that middleware[0] is the outermost layer, the order
// mux.Router.Use applies.
func chain(h http.Handler, middleware []mux.MiddlewareFunc) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/calendar.
type eventsResponse struct {
	Events []eventDTO  `json:"events"`
	Count  int         `json:"count"`
	Error  string      `json:"error,omitempty"`
	Debug  *debugBlock `json:"debug,omitempty"`
}

type eventDTO struct {
	Summary  string  `json:"summary"`
	Location string  `json:"location"`
	Start    string  `json:"start"`
	End      *string `json:"end"`
	Src      int     `json:"src"`
	SrcLabel string  `json:"srcLabel"`
}

type debugBlock struct {
	URLsUsed []string    `json:"urlsUsed"`
	PerURL   []perURLDTO `json:"perUrl"`
	Days     int         `json:"days"`
	PastDays int         `json:"pastDays"`
	// SnapshotAt is set when results came from the background collection.
	SnapshotAt string `json:"snapshotAt,omitempty"`
}

type perURLDTO struct {
	URL   string  `json:"url"`
	Count int     `json:"count"`
	Error *string `json:"error"`
	Kept  int     `json:"kept"`
}

// handleEvents returns the merged upcoming events.
//
// GET /api/calendar?days=14&pastDays=0&debug=1
//   - days:     look-ahead, clamped to 1..90 (default from config, 14)
//   - pastDays: look-back, clamped to 0..30 (default 0)
//   - debug:    "1" or "true" adds per-source diagnostics
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := s.windowFromQuery(q.Get("days"), q.Get("pastDays"))
	debug := q.Get("debug") == "1" || q.Get("debug") == "true"

	if len(s.urls) == 0 {
		httpx.WriteJSON(w, http.StatusOK, eventsResponse{
			Events: []eventDTO{},
			Count:  0,
			Error:  noSourcesMessage,
		})
		return
	}

	res, snapAt := s.aggregate(r.Context(), window)

	resp := eventsResponse{
		Events: make([]eventDTO, 0, len(res.Events)),
		Count:  len(res.Events),
	}
	for _, ev := range res.Events {
		resp.Events = append(resp.Events, toDTO(ev))
	}

	if debug {
		d := &debugBlock{
			URLsUsed: append([]string(nil), s.urls...),
			PerURL:   make([]perURLDTO, 0, len(res.Sources)),
			Days:     window.LookAheadDays,
			PastDays: window.LookBackDays,
		}
		if !snapAt.IsZero() {
			d.SnapshotAt = snapAt.UTC().Format(isoMillis)
		}
		for _, src := range res.Sources {
			p := perURLDTO{URL: src.URL, Count: src.Count, Kept: src.Kept}
			if src.Err != nil {
				msg := src.Err.Error()
				p.Error = &msg
			}
			d.PerURL = append(d.PerURL, p)
		}
		resp.Debug = d
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// handleExport returns the same merged list as an iCalendar feed.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := s.windowFromQuery(q.Get("days"), q.Get("pastDays"))

	var events []model.CalendarEvent
	if len(s.urls) > 0 {
		res, _ := s.aggregate(r.Context(), window)
		events = res.Events
	}

	body := ics.Export(events, "homecal", s.agg.Now())
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="homecal.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// aggregate assembles the response from a fresh snapshot when available,
// otherwise by collecting all sources live. The returned time is the
// snapshot's collection time, zero for live results.
func (s *Server) aggregate(ctx context.Context, window aggregate.Window) (aggregate.Result, time.Time) {
	now := s.agg.Now()
	if s.snapshot != nil {
		if results, ok := s.snapshot.Fresh(now); ok {
			return s.agg.Assemble(results, window, now), s.snapshot.CollectedAt()
		}
	}
	return s.agg.Aggregate(ctx, s.urls, s.labels, window), time.Time{}
}

func (s *Server) windowFromQuery(daysParam, pastParam string) aggregate.Window {
	days, ok := parseLeadingInt(daysParam)
	if !ok || days == 0 {
		days = s.cfg.DefaultDays
	}
	past, ok := parseLeadingInt(pastParam)
	if !ok {
		past = aggregate.MinLookBackDays
	}
	return aggregate.NewWindow(days, past)
}

func toDTO(ev model.CalendarEvent) eventDTO {
	dto := eventDTO{
		Summary:  ev.Summary,
		Location: ev.Location,
		Start:    ev.Start.UTC().Format(isoMillis),
		Src:      ev.SourceIndex,
		SrcLabel: ev.SourceLabel,
	}
	if ev.End != nil {
		end := ev.End.UTC().Format(isoMillis)
		dto.End = &end
	}
	return dto
}

// parseLeadingInt reads an optionally signed integer prefix ("7", "-3",
// " 14days"), ignoring whatever follows.
func parseLeadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digitsStart := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digitsStart {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
