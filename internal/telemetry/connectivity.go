// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Connectivity tracks whether the ingestion endpoint is reachable and
// notifies subscribers of transitions.
type Connectivity struct {
	online atomic.Bool

	mu     sync.Mutex
	nextID int
	subs   map[int]chan bool
}

// NewConnectivity creates a monitor in the given initial state.
func NewConnectivity(online bool) *Connectivity {
	c := &Connectivity{subs: make(map[int]chan bool)}
	c.online.Store(online)
	return c
}

// Online reports the current state.
func (c *Connectivity) Online() bool {
	return c.online.Load()
}

// SetOnline records the state and notifies subscribers when it changes.
func (c *Connectivity) SetOnline(online bool) {
	if c.online.Swap(online) == online {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		// Keep only the latest state for slow subscribers.
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving every state transition and a
// function that cancels the subscription.
func (c *Connectivity) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Probe polls url every interval until ctx is done and updates the state.
// A response below 500 counts as online.
func (c *Connectivity) Probe(ctx context.Context, client *http.Client, url string, interval time.Duration, logger *slog.Logger) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		online := probeOnce(ctx, client, url)
		if ctx.Err() != nil {
			return
		}
		if online != c.Online() && logger != nil {
			logger.Info("telemetry connectivity changed", "online", online)
		}
		c.SetOnline(online)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func probeOnce(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
