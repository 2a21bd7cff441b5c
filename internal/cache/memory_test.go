// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestMemoryCache(t *testing.T, ttl time.Duration) (*MemoryCache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(MemoryCacheOptions{DefaultTTL: ttl})
	c.now = clock.Now
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func TestMemoryCache_BasicOperations(t *testing.T) {
	cache, _ := newTestMemoryCache(t, time.Hour)
	ctx := context.Background()

	if err := cache.Set(ctx, "key1", []byte("value1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := cache.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "value1" {
		t.Errorf("expected value1, got %s", string(val))
	}

	if err := cache.Delete(ctx, "key1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := cache.Get(ctx, "key1"); err != ErrCacheMiss {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
}

func TestMemoryCache_Expiration(t *testing.T) {
	cache, clock := newTestMemoryCache(t, time.Minute)
	ctx := context.Background()

	_ = cache.Set(ctx, "default", []byte("v"), 0)
	_ = cache.Set(ctx, "short", []byte("v"), 10*time.Second)

	clock.Advance(30 * time.Second)
	if _, err := cache.Get(ctx, "short"); err != ErrCacheMiss {
		t.Errorf("short: expected ErrCacheMiss, got %v", err)
	}
	if _, err := cache.Get(ctx, "default"); err != nil {
		t.Errorf("default: expected hit, got %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := cache.Get(ctx, "default"); err != ErrCacheMiss {
		t.Errorf("default: expected expiry after TTL, got %v", err)
	}
}

func TestMemoryCache_SetNX(t *testing.T) {
	cache, clock := newTestMemoryCache(t, time.Minute)
	ctx := context.Background()

	ok, err := cache.SetNX(ctx, "batch:1", []byte("1"), 0)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v; want true, nil", ok, err)
	}

	ok, err = cache.SetNX(ctx, "batch:1", []byte("2"), 0)
	if err != nil || ok {
		t.Fatalf("second SetNX = %v, %v; want false, nil", ok, err)
	}
	val, _ := cache.Get(ctx, "batch:1")
	if string(val) != "1" {
		t.Errorf("value overwritten: got %q", val)
	}

	clock.Advance(2 * time.Minute)
	ok, err = cache.SetNX(ctx, "batch:1", []byte("3"), 0)
	if err != nil || !ok {
		t.Fatalf("SetNX after expiry = %v, %v; want true, nil", ok, err)
	}
}

func TestMemoryCache_SetNXConcurrent(t *testing.T) {
	cache, _ := newTestMemoryCache(t, time.Minute)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := cache.SetNX(ctx, "same", []byte("x"), 0); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("SetNX winners = %d, want 1", got)
	}
}

func TestMemoryCache_Stats(t *testing.T) {
	cache, _ := newTestMemoryCache(t, time.Hour)
	ctx := context.Background()

	_ = cache.Set(ctx, "a", []byte("1"), 0)
	_, _ = cache.Get(ctx, "a")
	_, _ = cache.Get(ctx, "a")
	_, _ = cache.Get(ctx, "missing")

	stats := cache.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Sets != 1 || stats.Items != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	expectedHitRate := float64(2) / float64(3) * 100
	if stats.HitRate < expectedHitRate-0.01 || stats.HitRate > expectedHitRate+0.01 {
		t.Errorf("expected hit rate ~%.2f, got %.2f", expectedHitRate, stats.HitRate)
	}
}

func TestMemoryCache_ValueCopy(t *testing.T) {
	cache, _ := newTestMemoryCache(t, time.Hour)
	ctx := context.Background()

	original := []byte("original")
	_ = cache.Set(ctx, "key", original, 0)
	original[0] = 'X'

	val, err := cache.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "original" {
		t.Errorf("expected original, got %s (cache didn't copy on set)", string(val))
	}

	val[0] = 'Y'
	val2, _ := cache.Get(ctx, "key")
	if string(val2) != "original" {
		t.Errorf("expected original, got %s (cache didn't copy on get)", string(val2))
	}
}

func TestMemoryCache_Close(t *testing.T) {
	cache := NewMemoryCache(MemoryCacheOptions{
		DefaultTTL:      time.Hour,
		CleanupInterval: time.Second,
	})
	ctx := context.Background()

	if err := cache.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := cache.Get(ctx, "key"); err != ErrCacheClosed {
		t.Errorf("Get: expected ErrCacheClosed, got %v", err)
	}
	if err := cache.Set(ctx, "key", []byte("v"), 0); err != ErrCacheClosed {
		t.Errorf("Set: expected ErrCacheClosed, got %v", err)
	}
	if _, err := cache.SetNX(ctx, "key", []byte("v"), 0); err != ErrCacheClosed {
		t.Errorf("SetNX: expected ErrCacheClosed, got %v", err)
	}
}
