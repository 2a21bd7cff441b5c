// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package archive copies accepted event batches to object storage as
// gzip-compressed JSON, off the request path.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/olegiv/beacon/internal/store"
)

// Uploader stores one object.
type Uploader interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Event is the archived form of a stored event.
type Event struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Country    string          `json:"country,omitempty"`
	Path       string          `json:"path,omitempty"`
	Browser    string          `json:"browser,omitempty"`
	OS         string          `json:"os,omitempty"`
	DeviceType string          `json:"device_type,omitempty"`
	Properties json.RawMessage `json:"properties"`
}

// Batch is one archived object.
type Batch struct {
	ID         string    `json:"batch_id"`
	KeyID      int64     `json:"key_id"`
	ReceivedAt time.Time `json:"received_at"`
	Events     []Event   `json:"events"`
}

// BatchFromRows converts stored rows into an archive batch.
func BatchFromRows(p store.InsertBatchParams) Batch {
	events := make([]Event, 0, len(p.Events))
	for _, e := range p.Events {
		props := json.RawMessage(e.Properties)
		if len(props) == 0 {
			props = json.RawMessage("{}")
		}
		events = append(events, Event{
			ID:         e.ID,
			Name:       e.Name,
			SessionID:  e.SessionID,
			UserID:     e.UserID,
			OccurredAt: e.OccurredAt.UTC(),
			Country:    e.Country,
			Path:       e.Path,
			Browser:    e.Browser,
			OS:         e.OS,
			DeviceType: e.DeviceType,
			Properties: props,
		})
	}
	return Batch{ID: p.BatchID, KeyID: p.KeyID, ReceivedAt: p.ReceivedAt.UTC(), Events: events}
}

// ObjectKey returns "<prefix><yyyy>/<mm>/<dd>/<batch-id>.json.gz".
func ObjectKey(prefix string, b Batch) string {
	key := path.Join(b.ReceivedAt.UTC().Format("2006/01/02"), b.ID+".json.gz")
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}

// Encode returns the gzip-compressed JSON form of b.
func Encode(b Batch) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(b); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing batch: %w", err)
	}
	return buf.Bytes(), nil
}

// Config holds archiver configuration.
type Config struct {
	Prefix    string
	Workers   int // Number of concurrent upload workers
	QueueSize int
	Attempts  int           // Upload attempts per batch
	Backoff   time.Duration // Delay before the second attempt, doubled after
	Timeout   time.Duration // Per-attempt timeout
}

// DefaultConfig returns default archiver configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:    "events/",
		Workers:   2,
		QueueSize: 256,
		Attempts:  3,
		Backoff:   time.Second,
		Timeout:   30 * time.Second,
	}
}

// Stats counts archiver outcomes.
type Stats struct {
	Uploaded int64
	Failed   int64
	Dropped  int64
}

// Archiver uploads batches from a bounded queue with a pool of workers.
type Archiver struct {
	uploader Uploader
	cfg      Config
	logger   *slog.Logger
	queue    chan Batch
	wg       sync.WaitGroup
	done     chan struct{}
	mu       sync.RWMutex
	running  bool

	uploaded atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// New creates an archiver. Call Start before Enqueue.
func New(uploader Uploader, logger *slog.Logger, cfg Config) *Archiver {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan Batch, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

// Start starts the upload workers.
func (a *Archiver) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	a.logger.Info("starting archiver", "workers", a.cfg.Workers)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx, i)
	}
}

// Stop stops accepting batches, uploads what is already queued and waits
// for the workers to finish.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Info("stopping archiver")
	close(a.done)
	a.wg.Wait()
	a.logger.Info("archiver stopped", "uploaded", a.uploaded.Load(), "failed", a.failed.Load())
}

// Enqueue hands b to the workers without blocking. It reports false when
// the archiver is stopped or the queue is full.
func (a *Archiver) Enqueue(b Batch) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.running {
		return false
	}

	select {
	case a.queue <- b:
		return true
	default:
		a.dropped.Add(1)
		a.logger.Warn("archive queue full, batch not archived", "batch_id", b.ID)
		return false
	}
}

// Stats returns a snapshot of the counters.
func (a *Archiver) Stats() Stats {
	return Stats{
		Uploaded: a.uploaded.Load(),
		Failed:   a.failed.Load(),
		Dropped:  a.dropped.Load(),
	}
}

func (a *Archiver) worker(ctx context.Context, id int) {
	defer a.wg.Done()
	a.logger.Debug("archive worker started", "worker_id", id)

	for {
		select {
		case <-a.done:
			a.drain(ctx)
			return
		case <-ctx.Done():
			return
		case b := <-a.queue:
			a.upload(ctx, b)
		}
	}
}

// drain uploads whatever is left in the queue after Stop.
func (a *Archiver) drain(ctx context.Context) {
	for {
		select {
		case b := <-a.queue:
			a.upload(ctx, b)
		default:
			return
		}
	}
}

func (a *Archiver) upload(ctx context.Context, b Batch) {
	body, err := Encode(b)
	if err != nil {
		a.failed.Add(1)
		a.logger.Error("failed to encode archive batch", "batch_id", b.ID, "error", err)
		return
	}
	key := ObjectKey(a.cfg.Prefix, b)

	delay := a.cfg.Backoff
	for attempt := 1; attempt <= a.cfg.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		err = a.uploader.Put(attemptCtx, key, body)
		cancel()
		if err == nil {
			a.uploaded.Add(1)
			a.logger.Debug("batch archived", "batch_id", b.ID, "key", key, "bytes", len(body))
			return
		}
		if attempt == a.cfg.Attempts || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		delay *= 2
	}

	a.failed.Add(1)
	a.logger.Error("failed to archive batch", "batch_id", b.ID, "key", key, "error", err)
}
