package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"homecal/internal/aggregate"
	"homecal/internal/config"
	"homecal/internal/ics"
	appLog "homecal/internal/log"
)

const version = "0.1.0"

var (
	configPath string
	envFiles   []string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "homecal",
	Short: "Merge ICS calendar feeds into one upcoming-events list",
	Long: `homecal fetches a handful of ICS subscriptions, merges their events
into a single chronological list and serves it as JSON for a browser
start page.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (created with defaults if missing)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the environment (default .env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(serveCmd, fetchCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("homecal version %s\n", version))
}

// loadConfig reads dotenv files, the YAML config and the environment, and
// applies the log level.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(level))
	return cfg, nil
}

// newAggregator wires the fetcher and parser described by cfg.
func newAggregator(cfg *config.Config) (*aggregate.Aggregator, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	fetcher := ics.NewFetcher(ics.FetcherConfig{
		Timeout:            cfg.FetchTimeout(),
		BreakerMaxFailures: uint32(cfg.Breaker.MaxFailures),
		BreakerOpenTimeout: cfg.Breaker.OpenDuration(),
	})
	parser := ics.Parser{
		Normalizer: ics.Normalizer{Location: loc},
		Untitled:   cfg.UntitledSummary,
	}

	return aggregate.New(fetcher,
		aggregate.WithParser(parser),
		aggregate.WithMaxEvents(cfg.MaxEvents),
	), nil
}
