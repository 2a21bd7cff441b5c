// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Delivery defaults.
const (
	DefaultFlushInterval = 30 * time.Second
	DefaultMaxAttempts   = 3
	DefaultBaseBackoff   = time.Second
	DefaultMaxBackoff    = 30 * time.Second

	// DefaultMaxBatchEvents keeps a single batch under the ingestion
	// endpoint's 500-event limit.
	DefaultMaxBatchEvents = 200
)

// ErrOffline is returned when the link drops during a delivery cycle.
var ErrOffline = errors.New("telemetry endpoint offline")

// FlushResult describes the outcome of one flush cycle.
type FlushResult int

// Flush outcomes.
const (
	// FlushEmpty means there was nothing to send.
	FlushEmpty FlushResult = iota
	// FlushDelivered means every drained batch was accepted.
	FlushDelivered
	// FlushFailed means retries were exhausted and the undelivered events
	// were re-queued.
	FlushFailed
	// FlushOffline means the cycle was skipped without touching the network.
	FlushOffline
	// FlushSkipped means another flush was already in flight. The running
	// flush schedules a follow-up cycle when it finishes.
	FlushSkipped
)

func (r FlushResult) String() string {
	switch r {
	case FlushEmpty:
		return "empty"
	case FlushDelivered:
		return "delivered"
	case FlushFailed:
		return "failed"
	case FlushOffline:
		return "offline"
	case FlushSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// AgentOptions configures the delivery agent.
type AgentOptions struct {
	FlushInterval time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	// MaxBatchEvents caps the envelopes sent in one request.
	MaxBatchEvents int
}

func (o AgentOptions) withDefaults() AgentOptions {
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = o.BaseBackoff
	}
	if o.MaxBatchEvents <= 0 {
		o.MaxBatchEvents = DefaultMaxBatchEvents
	}
	return o
}

// Agent drains the buffer and delivers batches. It flushes on a timer,
// when kicked, and when connectivity comes back. Only one flush runs at
// a time.
type Agent struct {
	buffer *Buffer
	sender Sender
	conn   *Connectivity
	logger *slog.Logger
	opts   AgentOptions

	inFlight atomic.Bool
	rerun    atomic.Bool
	kick     chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	attempts  atomic.Int64
	delivered atomic.Int64
	failures  atomic.Int64
}

// NewAgent creates a delivery agent. Call Start to begin the flush loop.
func NewAgent(buffer *Buffer, sender Sender, conn *Connectivity, opts AgentOptions, logger *slog.Logger) *Agent {
	if conn == nil {
		conn = NewConnectivity(true)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		buffer: buffer,
		sender: sender,
		conn:   conn,
		logger: logger,
		opts:   opts.withDefaults(),
		kick:   make(chan struct{}, 1),
	}
}

// Start launches the flush loop.
func (a *Agent) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	updates, unsubscribe := a.conn.Subscribe()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsubscribe()
		a.loop(ctx, updates)
	}()
}

// Stop ends the flush loop, waits for an in-progress cycle, then makes
// a final best-effort flush bounded by ctx.
func (a *Agent) Stop(ctx context.Context) FlushResult {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return FlushSkipped
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()

	result := a.Flush(ctx)
	if result == FlushFailed || result == FlushOffline {
		a.logger.Warn("telemetry events left undelivered at shutdown",
			"pending", a.buffer.Len(),
			"result", result.String())
	}
	return result
}

// Kick requests an out-of-cycle flush. Kicks coalesce while one is pending.
func (a *Agent) Kick() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Agent) loop(ctx context.Context, updates <-chan bool) {
	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Flush(ctx)
		case <-a.kick:
			a.Flush(ctx)
		case online := <-updates:
			if online {
				a.logger.Debug("telemetry back online, flushing")
				a.Flush(ctx)
			}
		}
	}
}

// Flush runs one delivery cycle: drain the buffer in batches of at most
// MaxBatchEvents, send each with retries, and re-queue a batch at the
// head of the buffer if every attempt fails. A batch rejected with 413
// is split in half and retried. Events captured after the cycle starts
// wait for the next one.
//
// A Flush that finds another cycle in flight returns FlushSkipped and the
// running cycle kicks the loop once it is done, so the request is not lost.
func (a *Agent) Flush(ctx context.Context) FlushResult {
	if !a.inFlight.CompareAndSwap(false, true) {
		a.rerun.Store(true)
		// The holder may have finished between the CAS and the store.
		if !a.inFlight.Load() {
			a.requeueRerun()
		}
		return FlushSkipped
	}

	result := a.flush(ctx)
	a.inFlight.Store(false)
	a.requeueRerun()
	return result
}

func (a *Agent) requeueRerun() {
	if a.rerun.Swap(false) && a.buffer.Len() > 0 {
		a.Kick()
	}
}

func (a *Agent) flush(ctx context.Context) FlushResult {
	if !a.conn.Online() {
		return FlushOffline
	}

	remaining := a.buffer.Len()
	if remaining == 0 {
		return FlushEmpty
	}

	limit := a.opts.MaxBatchEvents
	sent := 0
	for remaining > 0 {
		events := a.buffer.DrainN(min(limit, remaining))
		if len(events) == 0 {
			break
		}
		remaining -= len(events)

		batch := Batch{ID: uuid.NewString(), Events: events}
		err := a.deliver(ctx, batch)
		if err == nil {
			sent += len(events)
			a.delivered.Add(int64(len(events)))
			a.logger.Debug("telemetry batch delivered",
				"batch_id", batch.ID,
				"events", len(events))
			continue
		}

		a.buffer.Prepend(events)
		if tooLarge(err) && len(events) > 1 {
			limit = len(events) / 2
			remaining += len(events)
			a.logger.Debug("telemetry batch too large, splitting",
				"batch_id", batch.ID,
				"events", len(events),
				"limit", limit)
			continue
		}

		a.failures.Add(1)
		a.logger.Warn("telemetry delivery failed, batch re-queued",
			"batch_id", batch.ID,
			"events", len(events),
			"error", err)
		return FlushFailed
	}

	if sent == 0 {
		return FlushEmpty
	}
	return FlushDelivered
}

func tooLarge(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusRequestEntityTooLarge
}

// deliver sends batch, retrying up to MaxAttempts times with exponential backoff.
func (a *Agent) deliver(ctx context.Context, batch Batch) error {
	var lastErr error
	for attempt := 0; attempt < a.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := Backoff(attempt, a.opts.BaseBackoff, a.opts.MaxBackoff)
			var statusErr *StatusError
			if errors.As(lastErr, &statusErr) && statusErr.RetryAfter > wait {
				wait = min(statusErr.RetryAfter, a.opts.MaxBackoff)
			}
			if err := sleepContext(ctx, wait); err != nil {
				return err
			}
			if !a.conn.Online() {
				return ErrOffline
			}
		}

		a.attempts.Add(1)
		lastErr = a.sender.Send(ctx, batch)
		if lastErr == nil || tooLarge(lastErr) {
			return lastErr
		}
		a.logger.Debug("telemetry send attempt failed",
			"batch_id", batch.ID,
			"attempt", attempt+1,
			"error", lastErr)
	}
	return lastErr
}

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped at maxDelay.
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	backoff := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if backoff > maxDelay || backoff <= 0 {
		backoff = maxDelay
	}
	return backoff
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Attempts returns the number of send attempts made.
func (a *Agent) Attempts() int64 { return a.attempts.Load() }

// Delivered returns the number of envelopes delivered.
func (a *Agent) Delivered() int64 { return a.delivered.Load() }

// Failures returns the number of flush cycles that exhausted their retries.
func (a *Agent) Failures() int64 { return a.failures.Load() }
