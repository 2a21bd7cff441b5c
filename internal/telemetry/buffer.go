// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import "sync"

// DefaultMaxBufferSize bounds the buffer when no size is configured.
const DefaultMaxBufferSize = 1000

// Buffer is an ordered, bounded queue of envelopes awaiting delivery.
// When it grows past its limit the oldest non-critical envelopes are
// dropped first; if only critical envelopes remain, the oldest go.
type Buffer struct {
	mu       sync.Mutex
	items    []Envelope
	max      int
	critical func(name string) bool
	dropped  int64
}

// NewBuffer creates a buffer holding at most limit envelopes (0 = unbounded).
// critical reports which event names are protected from overflow eviction;
// nil treats every name as non-critical.
func NewBuffer(limit int, critical func(name string) bool) *Buffer {
	if critical == nil {
		critical = func(string) bool { return false }
	}
	return &Buffer{max: limit, critical: critical}
}

// Append adds e at the tail and returns the new length.
func (b *Buffer) Append(e Envelope) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, e)
	b.enforceLimit()
	return len(b.items)
}

// DrainAll removes and returns every queued envelope in order.
func (b *Buffer) DrainAll() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.items
	b.items = nil
	return items
}

// DrainN removes and returns up to n envelopes from the head, in order.
func (b *Buffer) DrainN(n int) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.items) == 0 {
		return nil
	}
	if n >= len(b.items) {
		items := b.items
		b.items = nil
		return items
	}
	items := make([]Envelope, n)
	copy(items, b.items[:n])
	b.items = append([]Envelope(nil), b.items[n:]...)
	return items
}

// Prepend reinserts batch at the head, preserving its order.
func (b *Buffer) Prepend(batch []Envelope) {
	if len(batch) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]Envelope, 0, len(batch)+len(b.items))
	merged = append(merged, batch...)
	merged = append(merged, b.items...)
	b.items = merged
	b.enforceLimit()
}

// Len returns the number of queued envelopes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Snapshot returns a copy of the queued envelopes.
func (b *Buffer) Snapshot() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Envelope, len(b.items))
	for i, e := range b.items {
		out[i] = e.Clone()
	}
	return out
}

// Dropped returns how many envelopes overflow eviction has discarded.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// enforceLimit must be called with mu held.
func (b *Buffer) enforceLimit() {
	if b.max <= 0 {
		return
	}
	excess := len(b.items) - b.max
	if excess <= 0 {
		return
	}

	kept := make([]Envelope, 0, b.max)
	for _, e := range b.items {
		if excess > 0 && !b.critical(e.Name) {
			excess--
			b.dropped++
			continue
		}
		kept = append(kept, e)
	}
	if excess > 0 {
		kept = kept[excess:]
		b.dropped += int64(excess)
	}
	b.items = kept
}
