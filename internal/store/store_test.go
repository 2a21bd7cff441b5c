// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// testDB creates a temporary test database with migrations applied.
func testDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "beacon-test.db")

	db, err := NewDB(DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}

	if err := Migrate(db, DriverSQLite); err != nil {
		_ = db.Close()
		t.Fatalf("Migrate: %v", err)
	}

	return db, func() { _ = db.Close() }
}

func testStore(t *testing.T) *Store {
	t.Helper()
	db, cleanup := testDB(t)
	t.Cleanup(cleanup)
	return New(db, DriverSQLite)
}

func createKey(t *testing.T, s *Store, name string) IngestKey {
	t.Helper()
	key, err := s.CreateIngestKey(context.Background(), CreateIngestKeyParams{
		Name:      name,
		KeyHash:   fmt.Sprintf("%064s", name),
		KeyPrefix: "bk_" + name,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateIngestKey: %v", err)
	}
	return key
}

func event(id, name, session, user string, at time.Time) EventRow {
	return EventRow{
		ID:         id,
		Name:       name,
		SessionID:  session,
		UserID:     user,
		OccurredAt: at,
		Properties: `{"k":"v"}`,
	}
}

func TestNewDB_UnsupportedDriver(t *testing.T) {
	if _, err := NewDB("postgres", "x"); err == nil {
		t.Error("NewDB should reject unknown drivers")
	}
	if err := Migrate(nil, "postgres"); err == nil {
		t.Error("Migrate should reject unknown drivers")
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := sqliteDSN("/tmp/beacon.db")
	if !strings.HasPrefix(dsn, "file:/tmp/beacon.db?_pragma=journal_mode(WAL)") {
		t.Errorf("sqliteDSN() = %q", dsn)
	}
	if !strings.Contains(dsn, "&_pragma=foreign_keys(ON)") {
		t.Errorf("sqliteDSN() missing foreign_keys: %q", dsn)
	}

	dsn = sqliteDSN("file:beacon.db?mode=rwc")
	if !strings.HasPrefix(dsn, "file:beacon.db?mode=rwc&_pragma=") {
		t.Errorf("sqliteDSN() with query = %q", dsn)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db, cleanup := testDB(t)
	defer cleanup()

	if err := Migrate(db, DriverSQLite); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestIngestKeys(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created := createKey(t, s, "web")
	if created.ID == 0 {
		t.Error("created.ID should not be 0")
	}

	found, err := s.GetIngestKeyByHash(ctx, created.KeyHash)
	if err != nil {
		t.Fatalf("GetIngestKeyByHash: %v", err)
	}
	if found.ID != created.ID || found.Name != "web" || !found.IsActive {
		t.Errorf("found = %+v", found)
	}
	if found.LastUsedAt != nil {
		t.Error("LastUsedAt should be nil before first use")
	}

	used := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	if err := s.TouchIngestKey(ctx, created.ID, used); err != nil {
		t.Fatalf("TouchIngestKey: %v", err)
	}
	found, _ = s.GetIngestKeyByHash(ctx, created.KeyHash)
	if found.LastUsedAt == nil || !found.LastUsedAt.Equal(used) {
		t.Errorf("LastUsedAt = %v, want %v", found.LastUsedAt, used)
	}

	ok, err := s.RevokeIngestKey(ctx, created.KeyPrefix)
	if err != nil || !ok {
		t.Fatalf("RevokeIngestKey = %v, %v", ok, err)
	}
	found, _ = s.GetIngestKeyByHash(ctx, created.KeyHash)
	if found.IsActive {
		t.Error("key should be inactive after revoke")
	}

	ok, _ = s.RevokeIngestKey(ctx, "bk_unknown")
	if ok {
		t.Error("RevokeIngestKey matched an unknown prefix")
	}

	createKey(t, s, "ios")
	keys, err := s.ListIngestKeys(ctx)
	if err != nil {
		t.Fatalf("ListIngestKeys: %v", err)
	}
	if len(keys) != 2 || keys[0].Name != "web" || keys[1].Name != "ios" {
		t.Errorf("keys = %+v", keys)
	}
}

func TestGetIngestKeyByHash_NotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetIngestKeyByHash(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestInsertBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := createKey(t, s, "web")
	at := time.Date(2026, 6, 1, 10, 15, 0, 0, time.UTC)

	n, err := s.InsertBatch(ctx, InsertBatchParams{
		BatchID:    "batch-1",
		KeyID:      key.ID,
		ReceivedAt: at.Add(time.Second),
		Events: []EventRow{
			event("e1", "page_view", "s1", "", at),
			event("e2", "conversion", "s1", "u1", at.Add(time.Minute)),
		},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}

	events, err := s.ListEvents(ctx, key.ID, at, at.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ID != "e1" || events[0].UserID != "" || !events[0].OccurredAt.Equal(at) {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].UserID != "u1" || events[1].Properties != `{"k":"v"}` {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestInsertBatch_DuplicateBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := createKey(t, s, "web")
	now := time.Now()

	params := InsertBatchParams{
		BatchID:    "batch-1",
		KeyID:      key.ID,
		ReceivedAt: now,
		Events:     []EventRow{event("e1", "page_view", "s1", "", now)},
	}
	if _, err := s.InsertBatch(ctx, params); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	_, err := s.InsertBatch(ctx, params)
	if !errors.Is(err, ErrDuplicateBatch) {
		t.Errorf("second InsertBatch error = %v, want ErrDuplicateBatch", err)
	}
}

func TestBatchStored(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := createKey(t, s, "web")
	other := createKey(t, s, "ios")
	now := time.Now()

	stored, err := s.BatchStored(ctx, key.ID, "batch-1")
	if err != nil || stored {
		t.Fatalf("BatchStored before insert = %v, %v; want false, nil", stored, err)
	}

	if _, err := s.InsertBatch(ctx, InsertBatchParams{
		BatchID:    "batch-1",
		KeyID:      key.ID,
		ReceivedAt: now,
		Events:     []EventRow{event("e1", "page_view", "s1", "", now)},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	if stored, err := s.BatchStored(ctx, key.ID, "batch-1"); err != nil || !stored {
		t.Errorf("BatchStored after insert = %v, %v; want true, nil", stored, err)
	}
	if stored, _ := s.BatchStored(ctx, other.ID, "batch-1"); stored {
		t.Error("batch must not be visible to another key")
	}
}

func TestInsertBatch_SkipsKnownEvents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := createKey(t, s, "web")
	now := time.Now()

	_, err := s.InsertBatch(ctx, InsertBatchParams{
		BatchID: "batch-1", KeyID: key.ID, ReceivedAt: now,
		Events: []EventRow{event("e1", "page_view", "s1", "", now)},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	// A re-queued event travels again inside a new batch.
	n, err := s.InsertBatch(ctx, InsertBatchParams{
		BatchID: "batch-2", KeyID: key.ID, ReceivedAt: now,
		Events: []EventRow{
			event("e1", "page_view", "s1", "", now),
			event("e2", "page_view", "s1", "", now),
		},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if n != 1 {
		t.Errorf("inserted = %d, want 1", n)
	}
}

func TestAggregateHourly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	web := createKey(t, s, "web")
	ios := createKey(t, s, "ios")
	hour := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	insert := func(batch string, keyID int64, events ...EventRow) {
		t.Helper()
		if _, err := s.InsertBatch(ctx, InsertBatchParams{BatchID: batch, KeyID: keyID, ReceivedAt: hour, Events: events}); err != nil {
			t.Fatalf("InsertBatch: %v", err)
		}
	}
	insert("b1", web.ID,
		event("e1", "page_view", "s1", "", hour),
		event("e2", "page_view", "s1", "u1", hour.Add(10*time.Minute)),
		event("e3", "page_view", "s2", "u2", hour.Add(59*time.Minute)),
		event("e4", "conversion", "s2", "u2", hour.Add(30*time.Minute)),
		event("e5", "page_view", "s3", "", hour.Add(time.Hour)), // next hour
		event("e6", "page_view", "s4", "", hour.Add(-time.Second)),
	)
	insert("b2", ios.ID, event("e7", "page_view", "s9", "", hour.Add(time.Minute)))

	n, err := s.AggregateHourly(ctx, hour.Add(25*time.Minute))
	if err != nil {
		t.Fatalf("AggregateHourly: %v", err)
	}
	if n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}

	rows, err := s.ListHourly(ctx, web.ID, hour)
	if err != nil {
		t.Fatalf("ListHourly: %v", err)
	}
	want := []HourlyRow{
		{KeyID: web.ID, HourStart: hour, Name: "conversion", Events: 1, Sessions: 1, Users: 1},
		{KeyID: web.ID, HourStart: hour, Name: "page_view", Events: 3, Sessions: 2, Users: 2},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %+v", rows)
	}
	for i := range want {
		got := rows[i]
		if !got.HourStart.Equal(want[i].HourStart) {
			t.Errorf("rows[%d].HourStart = %v, want %v", i, got.HourStart, want[i].HourStart)
		}
		got.HourStart = want[i].HourStart
		if got != want[i] {
			t.Errorf("rows[%d] = %+v, want %+v", i, rows[i], want[i])
		}
	}

	// Rerunning replaces instead of doubling.
	if _, err := s.AggregateHourly(ctx, hour); err != nil {
		t.Fatalf("AggregateHourly rerun: %v", err)
	}
	rows, _ = s.ListHourly(ctx, web.ID, hour)
	if len(rows) != 2 || rows[1].Events != 3 {
		t.Errorf("after rerun rows = %+v", rows)
	}
}

func TestEventTotals(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := createKey(t, s, "web")
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.InsertBatch(ctx, InsertBatchParams{
		BatchID: "b1", KeyID: key.ID, ReceivedAt: now,
		Events: []EventRow{
			event("e1", "page_view", "s1", "", now),
			event("e2", "page_view", "s1", "", now),
			event("e3", "error", "s1", "", now),
			event("e4", "error", "s1", "", now.Add(-48*time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	totals, err := s.EventTotals(ctx, key.ID, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("EventTotals: %v", err)
	}
	want := []EventTotal{{"page_view", 2}, {"error", 1}}
	if len(totals) != 2 || totals[0] != want[0] || totals[1] != want[1] {
		t.Errorf("totals = %+v, want %+v", totals, want)
	}
}

func TestDeleteEventsBefore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := createKey(t, s, "web")
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-100 * 24 * time.Hour)

	_, err := s.InsertBatch(ctx, InsertBatchParams{
		BatchID: "old", KeyID: key.ID, ReceivedAt: old,
		Events: []EventRow{event("e1", "page_view", "s1", "", old)},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	_, err = s.InsertBatch(ctx, InsertBatchParams{
		BatchID: "new", KeyID: key.ID, ReceivedAt: now,
		Events: []EventRow{event("e2", "page_view", "s1", "", now)},
	})
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if _, err := s.AggregateHourly(ctx, old); err != nil {
		t.Fatalf("AggregateHourly: %v", err)
	}

	deleted, err := s.DeleteEventsBefore(ctx, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteEventsBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	events, _ := s.ListEvents(ctx, key.ID, old.Add(-time.Hour), now.Add(time.Hour), 10)
	if len(events) != 1 || events[0].ID != "e2" {
		t.Errorf("remaining events = %+v", events)
	}

	rollups, _ := s.ListHourly(ctx, key.ID, old.Add(-time.Hour))
	if len(rollups) != 1 {
		t.Errorf("rollups should survive retention, got %+v", rollups)
	}

	// The old batch id can be reused once its record expired.
	_, err = s.InsertBatch(ctx, InsertBatchParams{BatchID: "old", KeyID: key.ID, ReceivedAt: now})
	if err != nil {
		t.Errorf("InsertBatch after retention: %v", err)
	}
}

func TestPing(t *testing.T) {
	s := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
