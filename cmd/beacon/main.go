// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/olegiv/beacon/internal/archive"
	"github.com/olegiv/beacon/internal/cache"
	"github.com/olegiv/beacon/internal/config"
	"github.com/olegiv/beacon/internal/geoip"
	"github.com/olegiv/beacon/internal/handler"
	"github.com/olegiv/beacon/internal/logging"
	"github.com/olegiv/beacon/internal/model"
	"github.com/olegiv/beacon/internal/scheduler"
	"github.com/olegiv/beacon/internal/store"
	"github.com/olegiv/beacon/internal/telemetry"
	"github.com/olegiv/beacon/internal/version"
)

// Version information - injected at build time via ldflags
var (
	appVersion   = "dev"
	appGitCommit = "unknown"
	appBuildTime = "unknown"
)

func main() {
	// Parse CLI flags
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	showHelp := flag.Bool("help", false, "Show help information")
	flag.BoolVar(showHelp, "h", false, "Show help information (shorthand)")
	createKey := flag.String("create-key", "", "Create an ingest key with the given name and print it")
	listKeys := flag.Bool("list-keys", false, "List ingest keys")
	revokeKey := flag.String("revoke-key", "", "Revoke the ingest key with the given prefix")
	backfill := flag.Int("backfill-hours", 0, "Rebuild hourly rollups for the last N hours and exit")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "beacon - product telemetry ingestion service\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_DB_DRIVER       sqlite|mysql (default: sqlite)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_DB_DSN          Database path or DSN (default: ./data/beacon.db)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_SERVER_PORT     Server port (default: 8080)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_ENV             Environment: development|production (default: development)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_REDIS_URL       Redis URL for shared batch dedupe (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_GEOIP_DB_PATH   GeoLite2-Country database (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_ARCHIVE_BUCKET  S3 bucket for batch archives (optional)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  BEACON_ENDPOINT        Report the service's own errors to this beacon (optional)\n")
	}

	flag.Parse()

	// Handle -h/-help flag
	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	// Handle -v/-version flag
	if *showVersion {
		_, _ = fmt.Printf("beacon %s\n", buildInfo())
		os.Exit(0)
	}

	// Load .env files if present (development)
	_ = godotenv.Load()

	var err error
	switch {
	case *createKey != "":
		err = withStore(func(ctx context.Context, st *store.Store) error {
			return runCreateKey(ctx, st, *createKey, os.Stdout)
		})
	case *listKeys:
		err = withStore(func(ctx context.Context, st *store.Store) error {
			return runListKeys(ctx, st, os.Stdout)
		})
	case *revokeKey != "":
		err = withStore(func(ctx context.Context, st *store.Store) error {
			return runRevokeKey(ctx, st, *revokeKey, os.Stdout)
		})
	case *backfill > 0:
		err = withStore(func(ctx context.Context, st *store.Store) error {
			return runBackfill(ctx, st, *backfill, time.Now(), os.Stdout)
		})
	default:
		err = run()
	}
	if err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

// buildInfo returns the version info injected at build time.
func buildInfo() version.Info {
	return version.Info{
		Version:   appVersion,
		GitCommit: appGitCommit,
		BuildTime: appBuildTime,
	}
}

// openStore opens and migrates the configured database.
func openStore(cfg *config.Config) (*store.Store, func(), error) {
	if cfg.DBDriver == config.DriverSQLite {
		// Ensure data directory exists
		if err := os.MkdirAll(filepath.Dir(strings.TrimPrefix(cfg.DBDSN, "file:")), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	slog.Info("initializing database", "driver", cfg.DBDriver)
	db, err := store.NewDB(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing database: %w", err)
	}
	closeDB := func(db *sql.DB) func() {
		return func() {
			if err := db.Close(); err != nil {
				slog.Error("error closing database connection", "error", err)
			}
		}
	}(db)

	slog.Info("running database migrations")
	if err := store.Migrate(db, cfg.DBDriver); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	return store.New(db, cfg.DBDriver), closeDB, nil
}

// withStore runs a one-shot command against the configured database.
func withStore(fn func(ctx context.Context, st *store.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(context.Background(), st)
}

func runCreateKey(ctx context.Context, st *store.Store, name string, out io.Writer) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("key name is required")
	}
	raw, err := model.GenerateIngestKey()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	key, err := st.CreateIngestKey(ctx, store.CreateIngestKeyParams{
		Name:      name,
		KeyHash:   model.HashIngestKey(raw),
		KeyPrefix: model.IngestKeyPrefix(raw),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Created ingest key %q (id %d, prefix %s).\n", key.Name, key.ID, key.KeyPrefix)
	_, _ = fmt.Fprintf(out, "Store it now, it is not shown again:\n\n  %s\n", raw)
	return nil
}

func runListKeys(ctx context.Context, st *store.Store, out io.Writer) error {
	keys, err := st.ListIngestKeys(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tACTIVE\tCREATED\tLAST USED")
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\n",
			k.ID, k.Name, k.KeyPrefix, k.IsActive, k.CreatedAt.Format(time.RFC3339), lastUsed)
	}
	return tw.Flush()
}

func runRevokeKey(ctx context.Context, st *store.Store, prefix string, out io.Writer) error {
	ok, err := st.RevokeIngestKey(ctx, prefix)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no ingest key with prefix %q", prefix)
	}
	_, _ = fmt.Fprintf(out, "Revoked ingest key %s.\n", prefix)
	return nil
}

func runBackfill(ctx context.Context, st *store.Store, hours int, now time.Time, out io.Writer) error {
	sched := scheduler.New(st, nil, slog.Default(), scheduler.Config{})
	current := now.UTC().Truncate(time.Hour)
	var total int64
	for i := hours - 1; i >= 0; i-- {
		n, err := sched.RunHourly(ctx, current.Add(-time.Duration(i)*time.Hour))
		if err != nil {
			return err
		}
		total += n
	}
	_, _ = fmt.Fprintf(out, "Rebuilt %d hours, %d rollup rows.\n", hours, total)
	return nil
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	versionInfo := buildInfo()

	// Setup logger
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(textHandler)
	slog.SetDefault(logger)

	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	slog.Info("database ready")

	// Cache for batch dedupe and preferences
	cacheInstance, cacheInfo, err := cache.New(cache.Config{
		RedisURL:         cfg.RedisURL,
		Prefix:           cfg.CachePrefix,
		DefaultTTL:       cfg.DedupeTTL,
		MaxSize:          cfg.CacheMaxSize,
		CleanupInterval:  time.Minute,
		FallbackToMemory: true,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}
	defer func() { _ = cacheInstance.Close() }()

	// Self-telemetry: report the service's own errors to another beacon
	var tracker *telemetry.Tracker
	if os.Getenv("BEACON_ENDPOINT") != "" {
		tracker, err = newSelfTracker(cacheInstance, versionInfo, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracker.Close(ctx)
		}()

		logger = slog.New(logging.NewTelemetryHandler(textHandler, tracker))
		slog.SetDefault(logger)
		slog.Info("self-telemetry enabled")
	}

	// GeoIP
	var geo geoip.Resolver = geoip.Nop{}
	var geoReloader scheduler.Reloader
	if cfg.GeoIPEnabled() {
		lookup, err := geoip.Open(cfg.GeoIPDBPath)
		if err != nil {
			slog.Warn("geoip disabled", "path", cfg.GeoIPDBPath, "error", err)
		} else {
			defer func() { _ = lookup.Close() }()
			geo = lookup
			geoReloader = lookup
			slog.Info("geoip enabled", "path", cfg.GeoIPDBPath)
		}
	}

	// Lifetime context for background workers
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Archive
	var archiver handler.Archiver
	if cfg.Archive.Enabled() {
		a, err := newArchiver(ctx, cfg.Archive, logger)
		if err != nil {
			return err
		}
		a.Start(ctx)
		defer a.Stop()
		archiver = a
	}

	// Scheduler
	if !cfg.SchedulerOff {
		sched := scheduler.New(st, geoReloader, logger, scheduler.Config{
			Retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
			LateHours: 2,
		})
		if err := sched.Start(); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()
	}

	router := handler.NewRouter(handler.RouterConfig{
		Store:     st,
		Cache:     cacheInstance,
		CacheInfo: cacheInfo,
		Geo:       geo,
		Archiver:  archiver,
		Logger:    logger,
		Version:   versionInfo.Version,
		Events: handler.EventsConfig{
			MaxBodyBytes:   cfg.MaxBodyBytes,
			MaxBatchEvents: cfg.MaxBatchEvents,
			DedupeTTL:      cfg.DedupeTTL,
		},
		IngestRPS:      cfg.IngestRPS,
		IngestBurst:    cfg.IngestBurst,
		RequestTimeout: 30 * time.Second,
		IsDevelopment:  cfg.IsDevelopment(),
		Tracker:        tracker,
	})

	// Create server with appropriate timeouts
	srv := &http.Server{
		Addr:              cfg.ServerAddr(),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr(), "env", cfg.Env, "version", versionInfo.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server: %w", err)
	}

	slog.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// newSelfTracker builds a Tracker from the BEACON_ENDPOINT settings. Its
// own diagnostics are tagged so the telemetry log bridge skips them.
func newSelfTracker(c cache.Cache, info version.Info, logger *slog.Logger) (*telemetry.Tracker, error) {
	tcfg, err := config.LoadTracker()
	if err != nil {
		return nil, fmt.Errorf("loading self-telemetry config: %w", err)
	}
	cfg := tcfg.ToTelemetry()
	cfg.UserAgent = info.UserAgent("beacon")
	t, err := telemetry.New(cfg,
		telemetry.WithLogger(logger.With(logging.ComponentKey, "telemetry")),
		telemetry.WithPreferences(telemetry.NewCachePreferences(c, "beacon-server")),
	)
	if err != nil {
		return nil, fmt.Errorf("starting self-telemetry: %w", err)
	}
	return t, nil
}

func newArchiver(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*archive.Archiver, error) {
	uploader, err := archive.NewS3Uploader(ctx, archive.S3Config{
		Bucket:    cfg.Bucket,
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		PathStyle: cfg.PathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing archive: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := uploader.EnsureBucket(checkCtx); err != nil {
		slog.Warn("archive bucket check failed", "bucket", cfg.Bucket, "error", err)
	}

	acfg := archive.DefaultConfig()
	acfg.Prefix = cfg.Prefix
	acfg.Workers = cfg.Workers
	acfg.QueueSize = cfg.QueueSize
	slog.Info("archive enabled", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return archive.New(uploader, logger.With(logging.ComponentKey, "archive"), acfg), nil
}
