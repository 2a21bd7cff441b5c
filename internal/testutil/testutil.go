// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package testutil provides shared test helpers for beacon.
package testutil

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/olegiv/beacon/internal/model"
	"github.com/olegiv/beacon/internal/store"
)

// TestLogger creates a silent test logger that only outputs warnings and errors.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// TestLoggerSilent creates a completely silent test logger (error level only).
func TestLoggerSilent() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// TestDB creates a temporary SQLite database with migrations applied.
// Returns the database and a cleanup function that should be deferred.
func TestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "beacon-test.db")

	db, err := store.NewDB(store.DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}

	if err := store.Migrate(db, store.DriverSQLite); err != nil {
		_ = db.Close()
		t.Fatalf("Migrate: %v", err)
	}

	return db, func() {
		_ = db.Close()
	}
}

// TestStore returns a Store over a fresh migrated database, closed at test end.
func TestStore(t *testing.T) *store.Store {
	t.Helper()
	db, cleanup := TestDB(t)
	t.Cleanup(cleanup)
	return store.New(db, store.DriverSQLite)
}

// CreateIngestKey stores a new active ingest key and returns it with its raw value.
func CreateIngestKey(t *testing.T, s *store.Store, name string) (store.IngestKey, string) {
	t.Helper()

	raw, err := model.GenerateIngestKey()
	if err != nil {
		t.Fatalf("GenerateIngestKey: %v", err)
	}
	key, err := s.CreateIngestKey(context.Background(), store.CreateIngestKeyParams{
		Name:      name,
		KeyHash:   model.HashIngestKey(raw),
		KeyPrefix: model.IngestKeyPrefix(raw),
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateIngestKey: %v", err)
	}
	return key, raw
}
