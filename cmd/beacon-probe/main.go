// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Command beacon-probe sends a short synthetic session to a beacon
// endpoint and reports the delivery outcome. It is used to verify keys,
// connectivity and redaction end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/olegiv/beacon/internal/config"
	"github.com/olegiv/beacon/internal/logging"
	"github.com/olegiv/beacon/internal/telemetry"
	"github.com/olegiv/beacon/internal/version"
)

// Version information - injected at build time via ldflags
var (
	appVersion   = "dev"
	appGitCommit = "unknown"
	appBuildTime = "unknown"
)

type probeOptions struct {
	pages   int
	user    string
	timeout time.Duration
}

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	showHelp := flag.Bool("help", false, "Show help information")
	flag.BoolVar(showHelp, "h", false, "Show help information (shorthand)")
	pages := flag.Int("pages", 3, "Number of page views to send")
	user := flag.String("user", "", "User id to attach to the session")
	timeout := flag.Duration("timeout", 30*time.Second, "Time allowed for the final flush")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "beacon-probe - send a synthetic telemetry session\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_ENDPOINT   Ingest URL, e.g. http://localhost:8080/api/v1/events (required)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_API_KEY    Ingest key\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_ENV        development|production (development events need BEACON_TRACK_DEVELOPMENT=true)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  DO_NOT_TRACK      Disable all tracking\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	info := version.Info{Version: appVersion, GitCommit: appGitCommit, BuildTime: appBuildTime}
	if *showVersion {
		_, _ = fmt.Printf("beacon-probe %s\n", info)
		os.Exit(0)
	}

	_ = godotenv.Load()

	opts := probeOptions{pages: *pages, user: *user, timeout: *timeout}
	if err := run(info, opts, os.Stdout); err != nil {
		slog.Error("probe failed", "error", err)
		os.Exit(1)
	}
}

func run(info version.Info, opts probeOptions, out io.Writer) error {
	tcfg, err := config.LoadTracker()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg := tcfg.ToTelemetry()
	cfg.UserAgent = info.UserAgent("beacon-probe")

	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	tracker, err := telemetry.New(cfg,
		telemetry.WithLogger(slog.New(textHandler).With(logging.ComponentKey, "telemetry")),
	)
	if err != nil {
		return fmt.Errorf("creating tracker: %w", err)
	}

	// Error logs from here on are also reported as error events.
	slog.SetDefault(slog.New(logging.NewTelemetryHandler(textHandler, tracker)))

	ctx := context.Background()
	if !tracker.Enabled(ctx) {
		_, _ = fmt.Fprintln(out, "Tracking is disabled (DO_NOT_TRACK or development build); nothing will be sent.")
	}

	session(ctx, tracker, opts)

	closeCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := tracker.Close(closeCtx); err != nil && !errors.Is(err, telemetry.ErrClosed) {
		return err
	}

	return report(out, tracker)
}

// session emits one of each event kind.
func session(ctx context.Context, tracker *telemetry.Tracker, opts probeOptions) {
	if opts.user != "" {
		tracker.SetUserID(opts.user)
	}

	started := time.Now()
	for i := 1; i <= opts.pages; i++ {
		path := fmt.Sprintf("/probe/page-%d", i)
		pageCtx := telemetry.WithPage(ctx, telemetry.PageContext{
			URL:      "https://probe.invalid" + path,
			Path:     path,
			Title:    fmt.Sprintf("Probe page %d", i),
			Language: "en",
		})
		tracker.TrackPageView(pageCtx)
	}

	tracker.TrackUserAction(ctx, "probe_click", map[string]any{
		"button":   "signup",
		"password": "never-sent",
	})
	tracker.TrackConversionValue(ctx, "probe_purchase", 9.99, map[string]any{"currency": "EUR"})
	tracker.TrackPerformance(ctx, "probe_session", float64(time.Since(started).Microseconds())/1000, nil)

	slog.Error("probe error event", "error", errors.New("synthetic failure"), "attempt", 1)
}

func report(out io.Writer, tracker *telemetry.Tracker) error {
	stats := tracker.Stats()
	_, _ = fmt.Fprintf(out, "session   %s\n", tracker.SessionID())
	_, _ = fmt.Fprintf(out, "tracked   %d\n", stats.Tracked)
	_, _ = fmt.Fprintf(out, "delivered %d\n", stats.Delivered)
	_, _ = fmt.Fprintf(out, "attempts  %d\n", stats.SendAttempts)
	_, _ = fmt.Fprintf(out, "pending   %d\n", stats.Pending)
	if stats.DroppedByPolicy > 0 || stats.DroppedOverflow > 0 {
		_, _ = fmt.Fprintf(out, "dropped   %d by policy, %d on overflow\n", stats.DroppedByPolicy, stats.DroppedOverflow)
	}
	if stats.Pending > 0 {
		return fmt.Errorf("%d events were not delivered", stats.Pending)
	}
	return nil
}
