// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package scheduler runs the periodic rollup and retention jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names.
const (
	JobHourlyRollup = "hourly_rollup"
	JobRetention    = "retention"
	JobGeoIPReload  = "geoip_reload"
)

// jobTimeout bounds a single job run.
const jobTimeout = 10 * time.Minute

// Store is the persistence the jobs operate on.
type Store interface {
	AggregateHourly(ctx context.Context, hourStart time.Time) (int64, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reloader reloads a file-backed resource when it changes.
type Reloader interface {
	Reload() error
}

// Config holds scheduler configuration.
type Config struct {
	// Retention is how long raw events are kept. Zero keeps them forever.
	Retention time.Duration
	// LateHours is how many complete hours each rollup run rebuilds, so
	// events delivered late by offline clients are still counted.
	LateHours int

	HourlySchedule    string
	RetentionSchedule string
	GeoIPSchedule     string
}

// DefaultConfig returns the default schedules: rollups at minute 5 of
// every hour, retention daily at 00:30 UTC and GeoIP reload daily at 04:00.
func DefaultConfig() Config {
	return Config{
		Retention:         90 * 24 * time.Hour,
		LateHours:         2,
		HourlySchedule:    "5 * * * *",
		RetentionSchedule: "30 0 * * *",
		GeoIPSchedule:     "0 4 * * *",
	}
}

// Scheduler handles the rollup and retention jobs.
type Scheduler struct {
	store  Store
	geo    Reloader
	cfg    Config
	cron   *cron.Cron
	jobs   *registry
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new scheduler instance. geo may be nil.
func New(st Store, geo Reloader, logger *slog.Logger, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.HourlySchedule == "" {
		cfg.HourlySchedule = def.HourlySchedule
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = def.RetentionSchedule
	}
	if cfg.GeoIPSchedule == "" {
		cfg.GeoIPSchedule = def.GeoIPSchedule
	}
	if cfg.LateHours < 1 {
		cfg.LateHours = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := cron.New(cron.WithLocation(time.UTC))
	return &Scheduler{
		store:  st,
		geo:    geo,
		cfg:    cfg,
		cron:   c,
		jobs:   newRegistry(c, logger),
		logger: logger,
		now:    time.Now,
	}
}

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	if err := s.jobs.add(JobHourlyRollup, "Aggregate recent hours into event_hourly",
		s.cfg.HourlySchedule, s.rollupRecent); err != nil {
		return err
	}
	if s.cfg.Retention > 0 {
		if err := s.jobs.add(JobRetention, "Delete raw events past the retention window",
			s.cfg.RetentionSchedule, s.retention); err != nil {
			return err
		}
	}
	if s.geo != nil {
		if err := s.jobs.add(JobGeoIPReload, "Reload the GeoIP database if it changed",
			s.cfg.GeoIPSchedule, s.geo.Reload); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
	return nil
}

// Stop gracefully stops the scheduler, waiting for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// Jobs lists the registered jobs.
func (s *Scheduler) Jobs() []JobInfo {
	return s.jobs.list()
}

// Trigger runs a registered job now.
func (s *Scheduler) Trigger(name string) error {
	return s.jobs.trigger(name)
}

// RunHourly rebuilds the rollup for the hour containing hourStart.
func (s *Scheduler) RunHourly(ctx context.Context, hourStart time.Time) (int64, error) {
	hourStart = hourStart.UTC().Truncate(time.Hour)
	n, err := s.store.AggregateHourly(ctx, hourStart)
	if err != nil {
		return 0, fmt.Errorf("rollup %s: %w", hourStart.Format(time.RFC3339), err)
	}
	s.logger.Debug("hourly rollup done", "hour", hourStart, "rows", n)
	return n, nil
}

// RunRetention deletes raw events older than the retention window
// measured back from now.
func (s *Scheduler) RunRetention(ctx context.Context, now time.Time) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := now.UTC().Add(-s.cfg.Retention)
	n, err := s.store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired raw events deleted", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// rollupRecent rebuilds the last LateHours complete hours.
func (s *Scheduler) rollupRecent() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	current := s.now().UTC().Truncate(time.Hour)
	for i := s.cfg.LateHours; i >= 1; i-- {
		if _, err := s.RunHourly(ctx, current.Add(-time.Duration(i)*time.Hour)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) retention() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	_, err := s.RunRetention(ctx, s.now())
	return err
}
