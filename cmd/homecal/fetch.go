package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"homecal/internal/aggregate"
	"homecal/internal/ics"
)

var (
	fetchDays     int
	fetchPastDays int
	fetchDebug    bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch all sources once and print the merged events",
	RunE:  runFetch,
}

func init() {
	fetchCmd.Flags().IntVar(&fetchDays, "days", 0, "Look-ahead in days, 1..90 (default from config)")
	fetchCmd.Flags().IntVar(&fetchPastDays, "past-days", 0, "Look-back in days, 0..30")
	fetchCmd.Flags().BoolVar(&fetchDebug, "debug", false, "Print per-source diagnostics")
}

func runFetch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Sources) == 0 {
		return aggregate.ErrNoSources
	}
	agg, err := newAggregator(cfg)
	if err != nil {
		return err
	}
	loc, _ := cfg.Location()

	days := fetchDays
	if days == 0 {
		days = cfg.DefaultDays
	}
	window := aggregate.NewWindow(days, fetchPastDays)

	res := agg.Aggregate(cmd.Context(), cfg.URLs(), cfg.Labels(), window)
	printResult(cmd.OutOrStdout(), res, loc, fetchDebug)
	return nil
}

func printResult(out io.Writer, res aggregate.Result, loc *time.Location, debug bool) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, ev := range res.Events {
		start := ev.Start.In(loc).Format("Mon 2006-01-02 15:04")
		if ev.AllDay {
			start = ev.Start.In(loc).Format("Mon 2006-01-02") + "  all day"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", start, ev.SourceLabel, ev.Summary, ev.Location)
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "%d events\n", len(res.Events))

	if !debug {
		return
	}
	fmt.Fprintf(out, "\nwindow: %s .. %s (days=%d, pastDays=%d)\n",
		res.From.In(loc).Format(time.RFC3339), res.To.In(loc).Format(time.RFC3339),
		res.Window.LookAheadDays, res.Window.LookBackDays)
	for i, src := range res.Sources {
		status := "ok"
		if src.Err != nil {
			status = src.Err.Error()
		}
		fmt.Fprintf(out, "[%d] %s %s: parsed=%d kept=%d %s\n", i, src.Label, ics.RedactURL(src.URL), src.Count, src.Kept, status)
	}
}
