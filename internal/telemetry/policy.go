// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/olegiv/beacon/internal/cache"
)

// PreferenceStore persists the user's tracking opt-out.
type PreferenceStore interface {
	TrackingDisabled(ctx context.Context) (bool, error)
	SetTrackingDisabled(ctx context.Context, disabled bool) error
}

// MemoryPreferences keeps the opt-out in process memory.
type MemoryPreferences struct {
	disabled atomic.Bool
}

// TrackingDisabled implements PreferenceStore.
func (p *MemoryPreferences) TrackingDisabled(context.Context) (bool, error) {
	return p.disabled.Load(), nil
}

// SetTrackingDisabled implements PreferenceStore.
func (p *MemoryPreferences) SetTrackingDisabled(_ context.Context, disabled bool) error {
	p.disabled.Store(disabled)
	return nil
}

// preferenceTTL keeps an opt-out effectively permanent in caches that
// require an expiry.
const preferenceTTL = 5 * 365 * 24 * time.Hour

// CachePreferences stores the opt-out under a key in a cache, so it
// survives restarts when the cache is Redis.
type CachePreferences struct {
	cache cache.Cache
	key   string
}

// NewCachePreferences creates a cache-backed store. key identifies the
// installation or user the preference belongs to.
func NewCachePreferences(c cache.Cache, key string) *CachePreferences {
	return &CachePreferences{cache: c, key: "telemetry:optout:" + key}
}

// TrackingDisabled implements PreferenceStore.
func (p *CachePreferences) TrackingDisabled(ctx context.Context) (bool, error) {
	val, err := p.cache.Get(ctx, p.key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return string(val) == "1", nil
}

// SetTrackingDisabled implements PreferenceStore.
func (p *CachePreferences) SetTrackingDisabled(ctx context.Context, disabled bool) error {
	if !disabled {
		return p.cache.Delete(ctx, p.key)
	}
	return p.cache.Set(ctx, p.key, []byte("1"), preferenceTTL)
}
