// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/olegiv/beacon/internal/archive"
	"github.com/olegiv/beacon/internal/cache"
	"github.com/olegiv/beacon/internal/geoip"
	"github.com/olegiv/beacon/internal/middleware"
	"github.com/olegiv/beacon/internal/store"
	"github.com/olegiv/beacon/internal/telemetry"
	"github.com/olegiv/beacon/internal/testutil"
)

const clientIP = "203.0.114.9"

type fakeArchiver struct {
	mu      sync.Mutex
	batches []archive.Batch
}

func (f *fakeArchiver) Enqueue(b archive.Batch) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b)
	return true
}

type testServer struct {
	router   http.Handler
	store    *store.Store
	cache    *cache.MemoryCache
	archiver *fakeArchiver
	key      store.IngestKey
	raw      string
}

func newTestServer(t *testing.T, mutate func(*RouterConfig)) *testServer {
	t.Helper()

	st := testutil.TestStore(t)
	key, raw := testutil.CreateIngestKey(t, st, "web")
	mc := newMemoryCache(t)
	arch := &fakeArchiver{}

	cfg := RouterConfig{
		Store:     st,
		Cache:     mc,
		CacheInfo: cache.Info{Backend: "memory"},
		Geo:       geoip.Static{clientIP: "DE"},
		Archiver:  arch,
		Logger:    testutil.TestLoggerSilent(),
		Version:   "test",
		Events:    EventsConfig{MaxBodyBytes: 1 << 20, MaxBatchEvents: 10, DedupeTTL: time.Hour},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	return &testServer{
		router:   NewRouter(cfg),
		store:    st,
		cache:    mc,
		archiver: arch,
		key:      key,
		raw:      raw,
	}
}

func envelope(t *testing.T, name, session string, props map[string]any) telemetry.Envelope {
	t.Helper()
	p, err := telemetry.PropertiesOf(props)
	require.NoError(t, err)
	return telemetry.Envelope{
		ID:         uuid.New(),
		Name:       name,
		Properties: p,
		Timestamp:  time.Now().UTC(),
		SessionID:  session,
		Page:       telemetry.PageContext{Path: "/pricing", Browser: "Firefox", OS: "Linux", DeviceType: "desktop"},
	}
}

func encodePayload(t *testing.T, events ...telemetry.Envelope) []byte {
	t.Helper()
	body, err := json.Marshal(telemetry.Payload{Events: events})
	require.NoError(t, err)
	return body
}

func (s *testServer) post(t *testing.T, batchID string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(body))
	req.RemoteAddr = clientIP + ":51000"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.raw)
	if batchID != "" {
		req.Header.Set("X-Batch-ID", batchID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) storedEvents(t *testing.T) []store.EventRow {
	t.Helper()
	now := time.Now()
	rows, err := s.store.ListEvents(context.Background(), s.key.ID, now.Add(-time.Hour), now.Add(time.Hour), 100)
	require.NoError(t, err)
	return rows
}

func decodeIngest(t *testing.T, rec *httptest.ResponseRecorder) IngestResponse {
	t.Helper()
	var resp IngestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) middleware.APIError {
	t.Helper()
	var apiErr middleware.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	return apiErr
}

func newMemoryCache(t *testing.T) *cache.MemoryCache {
	t.Helper()
	mc := cache.NewMemoryCache(cache.MemoryCacheOptions{DefaultTTL: time.Hour})
	t.Cleanup(func() { _ = mc.Close() })
	return mc
}
