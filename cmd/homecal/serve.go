package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"homecal/internal/aggregate"
	"homecal/internal/httpx"
	appLog "homecal/internal/log"
	"homecal/internal/web"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the merged calendar over HTTP",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config if set)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", configPath)
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := httpx.InstallMeterProvider()
	if err != nil {
		appLog.Error("failed to set up metrics exporter", err)
		return err
	}
	defer func() {
		if err := httpx.ShutdownMeterProvider(context.Background(), provider); err != nil {
			appLog.Warn("meter provider shutdown failed", "err", err)
		}
	}()

	telemetry, err := httpx.NewTelemetry()
	if err != nil {
		appLog.Error("failed to create telemetry", err)
		return err
	}

	agg, err := newAggregator(cfg)
	if err != nil {
		return err
	}

	appLog.Info("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"sources", len(cfg.Sources),
		"allowed_origins", cfg.AllowedOrigins,
		"fetch_timeout", cfg.FetchTimeout(),
		"max_events", cfg.MaxEvents,
		"refresh", cfg.Refresh,
	)
	if len(cfg.Sources) == 0 {
		appLog.Warn("no ICS sources configured; set CAL_ICS_URLS or CAL1_ICS_URL")
	}

	var snapshot *aggregate.Snapshot
	if cfg.Refresh != "" && len(cfg.Sources) > 0 {
		snapshot = aggregate.NewSnapshot(agg, cfg.URLs(), cfg.Labels(), cfg.SnapshotMaxAge())
		if err := snapshot.Start(ctx, cfg.Refresh); err != nil {
			appLog.Error("invalid refresh schedule", err, "refresh", cfg.Refresh)
			return err
		}
		defer snapshot.Stop(context.Background())
	}

	srv := web.NewServer(cfg, agg, snapshot,
		httpx.Recovery(),
		httpx.Logger(),
		telemetry.Middleware,
	)
	if err := srv.ListenAndServe(ctx); err != nil {
		appLog.Error("http server error", err)
		return err
	}
	appLog.Info("homecal exiting")
	return nil
}
