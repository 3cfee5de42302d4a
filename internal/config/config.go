package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen              = "127.0.0.1:8080"
	DefaultOrigin              = "https://start.bogarts.be"
	DefaultFetchTimeoutSeconds = 12
	DefaultMaxEvents           = 400
	DefaultDays                = 14
	DefaultPastDays            = 0
	DefaultUntitled            = "(No title)"
	DefaultSnapshotMaxAge      = 300
	DefaultBreakerFailures     = 5
	DefaultBreakerOpenSeconds  = 60

	// fileHeader is prepended to every saved config file.
	fileHeader = "# homecal configuration. Environment variables override these values.\n"

	// maxIndexedSources is the number of CALn_ICS_URL slots read from the environment.
	maxIndexedSources = 8
)

// SourceConfig describes a single ICS feed.
type SourceConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// Label is the display name. Empty means derive it from the URL.
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// BreakerConfig controls the per-source circuit breaker.
type BreakerConfig struct {
	// MaxFailures consecutive failures open the breaker. 0 disables it.
	MaxFailures int `yaml:"max_failures" json:"max_failures"`
	// OpenSeconds is how long an open breaker skips the source.
	OpenSeconds int `yaml:"open_seconds" json:"open_seconds"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used to place all-day dates and floating
	// date-times on the timeline. Empty means the process local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Sources are the ICS feeds, in display order.
	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// AllowedOrigins is the CORS allow-list. The first entry is also the
	// fallback origin sent to callers not on the list.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`

	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`

	// MaxEvents caps the number of events in one response.
	MaxEvents int `yaml:"max_events" json:"max_events"`

	// DefaultDays is the look-ahead used when the request has no days parameter.
	DefaultDays int `yaml:"default_days" json:"default_days"`

	// UntitledSummary replaces a missing SUMMARY.
	UntitledSummary string `yaml:"untitled_summary" json:"untitled_summary"`

	// Refresh is a cron-style schedule (e.g. "*/10 * * * *") for background
	// collection of all sources. Empty disables background collection and
	// every request fetches live.
	Refresh string `yaml:"refresh" json:"refresh"`

	// SnapshotMaxAgeSeconds bounds how old a background collection may be
	// before requests fetch live again.
	SnapshotMaxAgeSeconds int `yaml:"snapshot_max_age_seconds" json:"snapshot_max_age_seconds"`

	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                DefaultListen,
		Sources:               []SourceConfig{},
		AllowedOrigins:        []string{DefaultOrigin},
		FetchTimeoutSeconds:   DefaultFetchTimeoutSeconds,
		MaxEvents:             DefaultMaxEvents,
		DefaultDays:           DefaultDays,
		UntitledSummary:       DefaultUntitled,
		SnapshotMaxAgeSeconds: DefaultSnapshotMaxAge,
		Breaker: BreakerConfig{
			MaxFailures: DefaultBreakerFailures,
			OpenSeconds: DefaultBreakerOpenSeconds,
		},
		LogLevel: "info",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	// Drop blank URLs but keep order.
	kept := c.Sources[:0]
	for _, s := range c.Sources {
		s.URL = strings.TrimSpace(s.URL)
		s.Label = strings.TrimSpace(s.Label)
		if s.URL == "" {
			continue
		}
		kept = append(kept, s)
	}
	c.Sources = kept

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{DefaultOrigin}
	}
	c.AllowedOrigins = origins

	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = DefaultFetchTimeoutSeconds
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.DefaultDays <= 0 {
		c.DefaultDays = DefaultDays
	}
	if c.UntitledSummary == "" {
		c.UntitledSummary = DefaultUntitled
	}
	if c.SnapshotMaxAgeSeconds <= 0 {
		c.SnapshotMaxAgeSeconds = DefaultSnapshotMaxAge
	}
	if c.Breaker.MaxFailures < 0 {
		c.Breaker.MaxFailures = 0
	}
	if c.Breaker.OpenSeconds <= 0 {
		c.Breaker.OpenSeconds = DefaultBreakerOpenSeconds
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports settings that cannot be repaired by Normalize.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// URLs returns the configured feed URLs in order.
func (c *Config) URLs() []string {
	out := make([]string, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, s.URL)
	}
	return out
}

// Labels returns the display labels parallel to URLs; unset labels are "".
func (c *Config) Labels() []string {
	out := make([]string, 0, len(c.Sources))
	for _, s := range c.Sources {
		out = append(out, s.Label)
	}
	return out
}

// Location resolves Timezone. Empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// FetchTimeout returns the per-source fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// OpenDuration returns how long an open breaker skips its source.
func (b BreakerConfig) OpenDuration() time.Duration {
	return time.Duration(b.OpenSeconds) * time.Second
}

// SnapshotMaxAge returns how long a background collection stays usable.
func (c *Config) SnapshotMaxAge() time.Duration {
	return time.Duration(c.SnapshotMaxAgeSeconds) * time.Second
}

// Load loads configuration from the given YAML path, then applies the
// environment (see ApplyEnv).
//
// Behavior:
//   - If path is empty, defaults + environment are used and nothing is written.
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return cfg, err
	}
	ApplyEnv(cfg, os.Getenv)
	cfg.Normalize()
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment without overriding variables already set.
// Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overlays environment settings on cfg. getenv is usually os.Getenv.
//
// Sources come from CAL_ICS_URLS (comma-separated) or, when that is empty,
// from CAL1_ICS_URL..CAL8_ICS_URL. Either replaces the file's sources.
// CAL_ICS_LABELS is a comma-separated list parallel to the URLs; an empty
// entry keeps the URL-derived label for that position.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	urls := splitList(getenv("CAL_ICS_URLS"), true)
	if len(urls) == 0 {
		for i := 1; i <= maxIndexedSources; i++ {
			if u := strings.TrimSpace(getenv(fmt.Sprintf("CAL%d_ICS_URL", i))); u != "" {
				urls = append(urls, u)
			}
		}
	}

	labels := splitList(getenv("CAL_ICS_LABELS"), false)

	if len(urls) > 0 {
		sources := make([]SourceConfig, 0, len(urls))
		for i, u := range urls {
			s := SourceConfig{URL: u}
			if i < len(labels) {
				s.Label = labels[i]
			}
			sources = append(sources, s)
		}
		cfg.Sources = sources
	} else if len(labels) > 0 {
		for i := range cfg.Sources {
			if i < len(labels) && labels[i] != "" {
				cfg.Sources[i].Label = labels[i]
			}
		}
	}

	if v := strings.TrimSpace(getenv("HOMECAL_LISTEN")); v != "" {
		cfg.Listen = v
	}
	if v := strings.TrimSpace(getenv("HOMECAL_TIMEZONE")); v != "" {
		cfg.Timezone = v
	}
	if v := splitList(getenv("HOMECAL_ALLOWED_ORIGINS"), true); len(v) > 0 {
		cfg.AllowedOrigins = v
	}
	if v := strings.TrimSpace(getenv("HOMECAL_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
}

// splitList splits a comma-separated value and trims each entry. With
// dropEmpty false, empty entries are kept so positions line up.
func splitList(v string, dropEmpty bool) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" && dropEmpty {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Save writes cfg as YAML to path. The file is replaced atomically and ends
// up with 0600 permissions since source URLs carry private tokens.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	// Persist what Load would produce, not the raw caller value.
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data := append([]byte(fileHeader), body...)

	// Temp file in the target directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, ".homecal-config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()

	// After a successful rename this is a no-op.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}

	// Data must be on disk before the rename publishes it.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}

	// Tighten permissions before the file becomes visible under its real name.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}

	return os.Rename(tmpName, path)
}

// Save writes c to path; see Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
