// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleParser accepts standard five-field expressions and descriptors.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether expr is a usable cron expression.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// registeredJob holds metadata about a registered cron job.
type registeredJob struct {
	name        string
	description string
	schedule    string
	entryID     cron.EntryID
	run         func() error

	lastErr     error
	lastRunAt   time.Time
	lastRunTook time.Duration
}

// JobInfo is the public view of a registered job.
type JobInfo struct {
	Name        string
	Description string
	Schedule    string
	LastRun     time.Time
	LastError   string
	Duration    time.Duration
	NextRun     time.Time
}

// registry tracks the jobs added to one cron instance.
type registry struct {
	cron   *cron.Cron
	logger *slog.Logger
	mu     sync.RWMutex
	jobs   map[string]*registeredJob
}

func newRegistry(c *cron.Cron, logger *slog.Logger) *registry {
	return &registry{cron: c, logger: logger, jobs: make(map[string]*registeredJob)}
}

// add schedules run under name. Errors from run are logged and recorded.
func (r *registry) add(name, description, schedule string, run func() error) error {
	if err := ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[name]; dup {
		return fmt.Errorf("job already registered: %s", name)
	}

	job := &registeredJob{name: name, description: description, schedule: schedule, run: run}
	id, err := r.cron.AddFunc(schedule, func() { _ = r.execute(job) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	job.entryID = id
	r.jobs[name] = job

	r.logger.Debug("registered scheduled job", "name", name, "schedule", schedule)
	return nil
}

func (r *registry) execute(job *registeredJob) error {
	start := time.Now()
	err := job.run()
	took := time.Since(start)

	r.mu.Lock()
	job.lastErr = err
	job.lastRunAt = start
	job.lastRunTook = took
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("scheduled job failed", "name", job.name, "error", err, "duration", took)
	}
	return err
}

// list returns all registered jobs sorted by name.
func (r *registry) list() []JobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]JobInfo, 0, len(r.jobs))
	for _, job := range r.jobs {
		info := JobInfo{
			Name:        job.name,
			Description: job.description,
			Schedule:    job.schedule,
			LastRun:     job.lastRunAt,
			Duration:    job.lastRunTook,
			NextRun:     r.cron.Entry(job.entryID).Next,
		}
		if job.lastErr != nil {
			info.LastError = job.lastErr.Error()
		}
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// trigger runs a job immediately on the caller's goroutine.
func (r *registry) trigger(name string) error {
	r.mu.RLock()
	job, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}

	r.logger.Info("manually triggering job", "name", name)
	return r.execute(job)
}
