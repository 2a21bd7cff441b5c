// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// discardLogger keeps test output quiet.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sendCall records one Send invocation.
type sendCall struct {
	batch Batch
	at    time.Time
}

// recordingSender records batches and answers with respond, if set.
type recordingSender struct {
	mu      sync.Mutex
	calls   []sendCall
	respond func(n int, b Batch) error // n is the 1-based call number
}

func (s *recordingSender) Send(_ context.Context, b Batch) error {
	s.mu.Lock()
	cp := Batch{ID: b.ID, Events: append([]Envelope(nil), b.Events...)}
	s.calls = append(s.calls, sendCall{batch: cp, at: time.Now()})
	n := len(s.calls)
	respond := s.respond
	s.mu.Unlock()

	if respond != nil {
		return respond(n, b)
	}
	return nil
}

func (s *recordingSender) Calls() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

func (s *recordingSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// testConfig returns a config whose timer never fires during a test and
// whose retries are fast.
func testConfig() Config {
	return Config{
		Endpoint:      "http://ingest.invalid/api/v1/events",
		BatchSize:     5,
		FlushInterval: time.Hour,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    10 * time.Millisecond,
	}
}

func newTestTracker(t *testing.T, cfg Config, opts ...Option) (*Tracker, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	opts = append([]Option{WithSender(sender), WithLogger(discardLogger())}, opts...)
	tr, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tr.Close(ctx)
	})
	return tr, sender
}

func envelopeNamed(name string) Envelope {
	return Envelope{Name: name, Properties: Properties{}, SessionID: "s"}
}

func names(envs []Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.Name
	}
	return out
}
