package ics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appLog "homecal/internal/log"
)

const (
	DefaultFetchTimeout = 12 * time.Second
	DefaultUserAgent    = "Mozilla/5.0 (HomepageICS)"
	DefaultMaxBodyBytes = 16 << 20

	acceptHeader = "text/calendar, text/plain, */*"
)

// ErrBodyTooLarge is returned when a feed exceeds FetcherConfig.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("ICS body too large")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ICS HTTP %d", e.Code)
}

// FetcherConfig controls how feeds are retrieved.
type FetcherConfig struct {
	// Timeout bounds one fetch including reading the body. Zero means DefaultFetchTimeout.
	Timeout time.Duration
	// UserAgent identifies this client upstream. Empty means DefaultUserAgent.
	UserAgent string
	// MaxBodyBytes caps the feed size. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// BreakerMaxFailures is the number of consecutive failures after which a
	// source is skipped for BreakerOpenTimeout. Zero disables the breaker.
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

// Fetcher retrieves raw ICS text. It is safe for concurrent use; each URL
// gets its own circuit breaker so one failing feed never affects another.
type Fetcher struct {
	client *http.Client
	cfg    FetcherConfig
	tracer trace.Tracer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = c
	}
}

// NewFetcher creates a new ICS Fetcher.
func NewFetcher(cfg FetcherConfig, opts ...FetcherOption) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 60 * time.Second
	}

	f := &Fetcher{
		// Per-request deadlines come from the context; the client follows
		// redirects with the standard policy.
		client:   &http.Client{},
		cfg:      cfg,
		tracer:   otel.Tracer("homecal/ics"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Timeout returns the effective per-fetch timeout.
func (f *Fetcher) Timeout() time.Duration {
	return f.cfg.Timeout
}

// Fetch retrieves the body of rawURL as text.
//
// The request is cancelled after the configured timeout. Non-2xx responses
// return *StatusError; network failures, timeouts and open breakers return
// plain errors. Fetch never panics on bad input.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if rawURL == "" {
		return "", errors.New("source URL is empty")
	}

	ctx, span := f.tracer.Start(ctx, "ics.fetch",
		trace.WithAttributes(attribute.String("ics.source", RedactURL(rawURL))),
	)
	defer span.End()

	body, err := f.execute(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return body, nil
}

func (f *Fetcher) execute(ctx context.Context, rawURL string) (string, error) {
	cb := f.breaker(rawURL)
	if cb == nil {
		return f.fetchOnce(ctx, rawURL)
	}

	v, err := cb.Execute(func() (interface{}, error) {
		return f.fetchOnce(ctx, rawURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("source temporarily disabled: %w", err)
		}
		return "", err
	}
	return v.(string), nil
}

func (f *Fetcher) fetchOnce(parent context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(parent, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Cache-Control", "no-cache")

	appLog.Debug("ics fetch start", "url", RedactURL(rawURL))

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && parent.Err() == nil {
			return "", fmt.Errorf("ICS fetch timed out after %s", f.cfg.Timeout)
		}
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return "", &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && parent.Err() == nil {
			return "", fmt.Errorf("ICS fetch timed out after %s", f.cfg.Timeout)
		}
		return "", err
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return "", fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.cfg.MaxBodyBytes)
	}

	appLog.Debug("ics fetch success", "url", RedactURL(rawURL), "status", resp.StatusCode, "bytes", len(body))

	return string(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))), nil
}

// breaker returns the circuit breaker for rawURL, or nil when disabled.
func (f *Fetcher) breaker(rawURL string) *gobreaker.CircuitBreaker {
	if f.cfg.BreakerMaxFailures == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[rawURL]; ok {
		return cb
	}

	maxFailures := f.cfg.BreakerMaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        RedactURL(rawURL),
		MaxRequests: 1,
		Timeout:     f.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// The caller going away says nothing about the feed.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			appLog.Warn("ics source breaker state change", "source", name, "from", from.String(), "to", to.String())
		},
	})
	f.breakers[rawURL] = cb
	return cb
}

// RedactURL hides path and query of a feed URL for logging; private feed
// URLs usually embed access tokens.
//
//	https://example.com/path/to/private.ics?token=abcd -> https://example.com/...(redacted)
func RedactURL(raw string) string {
	const redactedSuffix = "/...(redacted)"

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + redactedSuffix
}
