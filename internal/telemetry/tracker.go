// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package telemetry captures product events, redacts them, buffers them
// in memory and delivers them in batches to an ingestion endpoint.
//
// A Tracker is created with New and torn down with Close. Tracking never
// returns errors to the caller: capture problems are logged and the
// event is dropped, delivery problems are retried and re-queued.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default capture settings.
const DefaultBatchSize = 10

// DefaultCriticalEvents flush immediately instead of waiting for the timer.
var DefaultCriticalEvents = []string{EventError, EventConversion}

// ErrClosed is returned when a closed Tracker is closed again.
var ErrClosed = errors.New("telemetry tracker closed")

// Config configures a Tracker.
type Config struct {
	// Endpoint is the ingestion URL. Required unless a Sender is supplied.
	Endpoint string
	APIKey   string

	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	MaxBufferSize int
	// MaxBatchEvents caps one delivery request; larger buffers go out in
	// several batches.
	MaxBatchEvents int

	RequestTimeout time.Duration
	Gzip           bool
	UserAgent      string

	// CriticalEvents are flushed eagerly and protected from overflow eviction.
	CriticalEvents []string
	Redaction      RedactionPolicy

	// DoNotTrack disables capture entirely.
	DoNotTrack bool
	// Development disables capture unless TrackDevelopment is set.
	Development      bool
	TrackDevelopment bool
	// IgnoreRequestDNT stops per-request DNT and Sec-GPC headers from
	// suppressing events.
	IgnoreRequestDNT bool

	// ProbeURL, when set, is polled to detect connectivity changes.
	ProbeURL      string
	ProbeInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	if c.CriticalEvents == nil {
		c.CriticalEvents = DefaultCriticalEvents
	}
	if c.Redaction.MaxStringLen == 0 {
		c.Redaction.MaxStringLen = DefaultMaxStringLen
	}
	if c.Redaction.MaxObjectLen == 0 {
		c.Redaction.MaxObjectLen = DefaultMaxObjectLen
	}
	return c
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithSender replaces the HTTP sender.
func WithSender(s Sender) Option {
	return func(t *Tracker) { t.sender = s }
}

// WithConnectivity shares a connectivity monitor with the Tracker.
func WithConnectivity(c *Connectivity) Option {
	return func(t *Tracker) { t.conn = c }
}

// WithPreferences sets where the opt-out preference is persisted.
func WithPreferences(p PreferenceStore) Option {
	return func(t *Tracker) { t.prefs = p }
}

// WithClock overrides the time source for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Stats is a snapshot of Tracker counters.
type Stats struct {
	Tracked         int64
	DroppedByPolicy int64
	CaptureErrors   int64
	DroppedOverflow int64
	Delivered       int64
	SendAttempts    int64
	FailedFlushes   int64
	Pending         int
}

// Tracker is the capture facade. It is safe for concurrent use.
type Tracker struct {
	cfg      Config
	logger   *slog.Logger
	sender   Sender
	conn     *Connectivity
	prefs    PreferenceStore
	now      func() time.Time
	buffer   *Buffer
	agent    *Agent
	critical map[string]struct{}

	sessionID string

	mu     sync.RWMutex
	userID string

	optedOut    atomic.Bool
	closed      atomic.Bool
	stopProbe   context.CancelFunc
	probeDone   chan struct{}
	tracked     atomic.Int64
	policyDrops atomic.Int64
	captureErrs atomic.Int64
}

// New creates a Tracker and starts its delivery loop.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		cfg:       cfg.withDefaults(),
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "telemetry")
	if t.conn == nil {
		t.conn = NewConnectivity(true)
	}
	if t.prefs == nil {
		t.prefs = &MemoryPreferences{}
	}
	if t.sender == nil {
		s, err := NewHTTPSender(HTTPSenderOptions{
			Endpoint:  t.cfg.Endpoint,
			APIKey:    t.cfg.APIKey,
			Timeout:   t.cfg.RequestTimeout,
			Gzip:      t.cfg.Gzip,
			UserAgent: t.cfg.UserAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("creating sender: %w", err)
		}
		t.sender = s
	}

	t.critical = make(map[string]struct{}, len(t.cfg.CriticalEvents))
	for _, name := range t.cfg.CriticalEvents {
		if n, err := NormalizeName(name); err == nil {
			t.critical[n] = struct{}{}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	disabled, err := t.prefs.TrackingDisabled(ctx)
	cancel()
	if err != nil {
		t.logger.Warn("failed to load tracking preference", "error", err)
	}
	t.optedOut.Store(disabled)

	t.buffer = NewBuffer(t.cfg.MaxBufferSize, t.isCritical)
	t.agent = NewAgent(t.buffer, t.sender, t.conn, AgentOptions{
		FlushInterval: t.cfg.FlushInterval,
		MaxAttempts:   t.cfg.MaxAttempts,
		BaseBackoff:   t.cfg.BaseBackoff,
		MaxBackoff:    t.cfg.MaxBackoff,

		MaxBatchEvents: t.cfg.MaxBatchEvents,
	}, t.logger)
	t.agent.Start()

	if t.cfg.ProbeURL != "" {
		probeCtx, stop := context.WithCancel(context.Background())
		t.stopProbe = stop
		t.probeDone = make(chan struct{})
		go func() {
			defer close(t.probeDone)
			t.conn.Probe(probeCtx, nil, t.cfg.ProbeURL, t.cfg.ProbeInterval, t.logger)
		}()
	}

	return t, nil
}

// Close stops the probe and the delivery loop and makes a final
// best-effort flush bounded by ctx.
func (t *Tracker) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if t.stopProbe != nil {
		t.stopProbe()
		<-t.probeDone
	}
	t.agent.Stop(ctx)
	return nil
}

// SessionID returns the identifier stamped on every envelope.
func (t *Tracker) SessionID() string { return t.sessionID }

// SetUserID attaches id to envelopes captured from now on.
func (t *Tracker) SetUserID(id string) {
	t.mu.Lock()
	t.userID = id
	t.mu.Unlock()
}

// ClearUserID stops attaching a user id to new envelopes.
func (t *Tracker) ClearUserID() { t.SetUserID("") }

func (t *Tracker) currentUserID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.userID
}

// DisableTracking persists the opt-out and stops capture.
func (t *Tracker) DisableTracking(ctx context.Context) error {
	t.optedOut.Store(true)
	return t.prefs.SetTrackingDisabled(ctx, true)
}

// EnableTracking clears a persisted opt-out.
func (t *Tracker) EnableTracking(ctx context.Context) error {
	t.optedOut.Store(false)
	return t.prefs.SetTrackingDisabled(ctx, false)
}

// Enabled reports whether events from ctx would be captured.
func (t *Tracker) Enabled(ctx context.Context) bool {
	return t.shouldTrack(ctx)
}

func (t *Tracker) shouldTrack(ctx context.Context) bool {
	switch {
	case t.closed.Load():
		return false
	case t.cfg.DoNotTrack:
		return false
	case t.cfg.Development && !t.cfg.TrackDevelopment:
		return false
	case t.optedOut.Load():
		return false
	}
	if !t.cfg.IgnoreRequestDNT {
		if page, ok := PageFromContext(ctx); ok && page.DoNotTrack {
			return false
		}
	}
	return true
}

func (t *Tracker) isCritical(name string) bool {
	_, ok := t.critical[name]
	return ok
}

// Track records an event with no request context.
func (t *Tracker) Track(name string, props map[string]any) {
	t.TrackContext(context.Background(), name, props)
}

// TrackContext records an event. The page context stored in ctx by the
// middleware, if any, is attached.
func (t *Tracker) TrackContext(ctx context.Context, name string, props map[string]any) {
	defer t.recoverCapture(name)

	if !t.shouldTrack(ctx) {
		t.policyDrops.Add(1)
		return
	}
	p, err := PropertiesOf(props)
	if err != nil {
		t.captureFailed(name, err)
		return
	}
	t.capture(ctx, name, p)
}

// capture builds the envelope and buffers it. The gate has already passed.
func (t *Tracker) capture(ctx context.Context, name string, props Properties) {
	normalized, err := NormalizeName(name)
	if err != nil {
		t.captureFailed(name, err)
		return
	}

	page, _ := PageFromContext(ctx)
	env := Envelope{
		ID:         uuid.New(),
		Name:       normalized,
		Properties: Redact(props, t.cfg.Redaction),
		Timestamp:  t.now(),
		SessionID:  t.sessionID,
		UserID:     t.currentUserID(),
		Page:       page,
	}

	n := t.buffer.Append(env)
	t.tracked.Add(1)
	if n >= t.cfg.BatchSize || t.isCritical(normalized) {
		t.agent.Kick()
	}
}

func (t *Tracker) captureFailed(name string, err error) {
	t.captureErrs.Add(1)
	t.logger.Warn("telemetry event dropped", "event", name, "error", err)
}

func (t *Tracker) recoverCapture(name string) {
	if r := recover(); r != nil {
		t.captureFailed(name, fmt.Errorf("panic during capture: %v", r))
	}
}

// trackProps gates and captures pre-built properties.
func (t *Tracker) trackProps(ctx context.Context, name string, props Properties) {
	defer t.recoverCapture(name)

	if !t.shouldTrack(ctx) {
		t.policyDrops.Add(1)
		return
	}
	t.capture(ctx, name, props)
}

// mergeProps converts extra and lays fixed on top of it.
func (t *Tracker) mergeProps(name string, extra map[string]any, fixed Properties) (Properties, bool) {
	props, err := PropertiesOf(extra)
	if err != nil {
		t.captureFailed(name, err)
		return nil, false
	}
	for k, v := range fixed {
		props[k] = v
	}
	return props, true
}

// TrackPageView records a page_view for the page stored in ctx.
func (t *Tracker) TrackPageView(ctx context.Context) {
	page, _ := PageFromContext(ctx)
	props := Properties{}
	setString(props, "url", page.URL)
	setString(props, "path", page.Path)
	setString(props, "referrer", page.Referrer)
	setString(props, "title", page.Title)
	setString(props, "viewport", page.Viewport)
	setString(props, "screen", page.Screen)
	setString(props, "language", page.Language)
	t.trackProps(ctx, EventPageView, props)
}

// TrackUserAction records a user_action with the given action name.
func (t *Tracker) TrackUserAction(ctx context.Context, action string, props map[string]any) {
	p, ok := t.mergeProps(EventUserAction, props, Properties{"action": String(action)})
	if !ok {
		return
	}
	t.trackProps(ctx, EventUserAction, p)
}

// TrackError records an error event with message, type and stack.
func (t *Tracker) TrackError(ctx context.Context, err error, errCtx map[string]any) {
	message := "unknown error"
	errType := "error"
	if err != nil {
		message = err.Error()
		errType = strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	}

	fixed := Properties{
		"message": String(message),
		"name":    String(errType),
		"stack":   String(string(debug.Stack())),
	}
	if len(errCtx) > 0 {
		c, cerr := ValueOf(errCtx)
		if cerr != nil {
			t.captureFailed(EventError, cerr)
			return
		}
		fixed["context"] = c
	}
	t.trackProps(ctx, EventError, fixed)
}

// TrackConversion records a conversion of the given kind.
func (t *Tracker) TrackConversion(ctx context.Context, kind string, props map[string]any) {
	p, ok := t.mergeProps(EventConversion, props, Properties{"type": String(kind)})
	if !ok {
		return
	}
	t.trackProps(ctx, EventConversion, p)
}

// TrackConversionValue records a conversion with a monetary or numeric value.
func (t *Tracker) TrackConversionValue(ctx context.Context, kind string, value float64, props map[string]any) {
	v, err := ValueOf(value)
	if err != nil {
		t.captureFailed(EventConversion, err)
		return
	}
	p, ok := t.mergeProps(EventConversion, props, Properties{"type": String(kind), "value": v})
	if !ok {
		return
	}
	t.trackProps(ctx, EventConversion, p)
}

// TrackPerformance records a performance_metric sample in milliseconds.
func (t *Tracker) TrackPerformance(ctx context.Context, metric string, valueMs float64, props map[string]any) {
	v, err := ValueOf(valueMs)
	if err != nil {
		t.captureFailed(EventPerformance, err)
		return
	}
	p, ok := t.mergeProps(EventPerformance, props, Properties{
		"metric": String(metric),
		"value":  v,
		"unit":   String("ms"),
	})
	if !ok {
		return
	}
	t.trackProps(ctx, EventPerformance, p)
}

func setString(p Properties, key, val string) {
	if val != "" {
		p[key] = String(val)
	}
}

// Flush runs a delivery cycle now.
func (t *Tracker) Flush(ctx context.Context) FlushResult {
	return t.agent.Flush(ctx)
}

// Pending returns a copy of the buffered envelopes.
func (t *Tracker) Pending() []Envelope {
	return t.buffer.Snapshot()
}

// Connectivity returns the monitor used by the Tracker.
func (t *Tracker) Connectivity() *Connectivity { return t.conn }

// Stats returns a snapshot of the Tracker counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Tracked:         t.tracked.Load(),
		DroppedByPolicy: t.policyDrops.Load(),
		CaptureErrors:   t.captureErrs.Load(),
		DroppedOverflow: t.buffer.Dropped(),
		Delivered:       t.agent.Delivered(),
		SendAttempts:    t.agent.Attempts(),
		FailedFlushes:   t.agent.Failures(),
		Pending:         t.buffer.Len(),
	}
}

// ErrorFromPanic converts a recovered panic value to an error.
func ErrorFromPanic(rec any) error {
	if err, ok := rec.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", rec)
}
