// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateBatch is returned when a batch id has already been stored.
var ErrDuplicateBatch = errors.New("batch already stored")

// Store runs queries against the beacon schema.
type Store struct {
	db     *sql.DB
	driver string
}

// New wraps db. driver selects dialect-specific statements.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// insertIgnore returns the dialect's "insert, skipping duplicates" verb.
func (s *Store) insertIgnore() string {
	if s.driver == DriverMySQL {
		return "INSERT IGNORE"
	}
	return "INSERT OR IGNORE"
}

// IngestKey is a credential allowed to post events.
type IngestKey struct {
	ID         int64
	Name       string
	KeyHash    string
	KeyPrefix  string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// CreateIngestKeyParams holds the fields for a new ingest key.
type CreateIngestKeyParams struct {
	Name      string
	KeyHash   string
	KeyPrefix string
	CreatedAt time.Time
}

// CreateIngestKey inserts an active key.
func (s *Store) CreateIngestKey(ctx context.Context, arg CreateIngestKeyParams) (IngestKey, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_keys (name, key_hash, key_prefix, is_active, created_at) VALUES (?, ?, ?, 1, ?)`,
		arg.Name, arg.KeyHash, arg.KeyPrefix, toMillis(arg.CreatedAt))
	if err != nil {
		return IngestKey{}, fmt.Errorf("inserting ingest key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return IngestKey{}, fmt.Errorf("reading ingest key id: %w", err)
	}
	return IngestKey{
		ID:        id,
		Name:      arg.Name,
		KeyHash:   arg.KeyHash,
		KeyPrefix: arg.KeyPrefix,
		IsActive:  true,
		CreatedAt: fromMillis(toMillis(arg.CreatedAt)),
	}, nil
}

const ingestKeyColumns = `id, name, key_hash, key_prefix, is_active, created_at, last_used_at`

func scanIngestKey(row interface{ Scan(...any) error }) (IngestKey, error) {
	var (
		k        IngestKey
		active   int64
		created  int64
		lastUsed sql.NullInt64
	)
	if err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &active, &created, &lastUsed); err != nil {
		return IngestKey{}, err
	}
	k.IsActive = active != 0
	k.CreatedAt = fromMillis(created)
	if lastUsed.Valid {
		t := fromMillis(lastUsed.Int64)
		k.LastUsedAt = &t
	}
	return k, nil
}

// GetIngestKeyByHash returns the key with the given hash or sql.ErrNoRows.
func (s *Store) GetIngestKeyByHash(ctx context.Context, hash string) (IngestKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ingestKeyColumns+` FROM ingest_keys WHERE key_hash = ?`, hash)
	return scanIngestKey(row)
}

// ListIngestKeys returns all keys ordered by id.
func (s *Store) ListIngestKeys(ctx context.Context) ([]IngestKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ingestKeyColumns+` FROM ingest_keys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing ingest keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []IngestKey
	for rows.Next() {
		k, err := scanIngestKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ingest key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchIngestKey records the last time a key was used.
func (s *Store) TouchIngestKey(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ingest_keys SET last_used_at = ? WHERE id = ?`, toMillis(at), id)
	return err
}

// RevokeIngestKey deactivates a key by prefix. It reports whether a key matched.
func (s *Store) RevokeIngestKey(ctx context.Context, prefix string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE ingest_keys SET is_active = 0 WHERE key_prefix = ?`, prefix)
	if err != nil {
		return false, fmt.Errorf("revoking ingest key: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// EventRow is one stored event.
type EventRow struct {
	ID         string
	Name       string
	SessionID  string
	UserID     string
	OccurredAt time.Time
	Country    string
	Path       string
	Browser    string
	OS         string
	DeviceType string
	Properties string // JSON object
}

// InsertBatchParams describes one accepted batch.
type InsertBatchParams struct {
	BatchID    string
	KeyID      int64
	ReceivedAt time.Time
	Events     []EventRow
}

// InsertBatch stores a batch and its events in one transaction. Events
// whose id is already stored are skipped; the number of new rows is
// returned. A batch id seen before yields ErrDuplicateBatch.
func (s *Store) InsertBatch(ctx context.Context, arg InsertBatchParams) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	received := toMillis(arg.ReceivedAt)

	res, err := tx.ExecContext(ctx,
		s.insertIgnore()+` INTO batches (id, key_id, received_at, event_count) VALUES (?, ?, ?, ?)`,
		arg.BatchID, arg.KeyID, received, len(arg.Events))
	if err != nil {
		return 0, fmt.Errorf("inserting batch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, ErrDuplicateBatch
	}

	stmt, err := tx.PrepareContext(ctx, s.insertIgnore()+` INTO events
		(id, batch_id, key_id, name, session_id, user_id, occurred_at, received_at, country, path, browser, os, device_type, properties)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing event insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, e := range arg.Events {
		var userID sql.NullString
		if e.UserID != "" {
			userID = sql.NullString{String: e.UserID, Valid: true}
		}
		props := e.Properties
		if props == "" {
			props = "{}"
		}
		res, err := stmt.ExecContext(ctx,
			e.ID, arg.BatchID, arg.KeyID, e.Name, e.SessionID, userID,
			toMillis(e.OccurredAt), received, e.Country, e.Path, e.Browser, e.OS, e.DeviceType, props)
		if err != nil {
			return 0, fmt.Errorf("inserting event %s: %w", e.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing batch: %w", err)
	}
	return inserted, nil
}

// BatchStored reports whether a key's batch has been committed.
func (s *Store) BatchStored(ctx context.Context, keyID int64, batchID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batches WHERE id = ? AND key_id = ?`, batchID, keyID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking batch: %w", err)
	}
	return n > 0, nil
}

// ListEvents returns a key's events that occurred in [from, to), oldest first.
func (s *Store) ListEvents(ctx context.Context, keyID int64, from, to time.Time, limit int) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, session_id, user_id, occurred_at, country, path, browser, os, device_type, properties
		FROM events
		WHERE key_id = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at, id
		LIMIT ?`, keyID, toMillis(from), toMillis(to), limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventRow
	for rows.Next() {
		var (
			e        EventRow
			userID   sql.NullString
			occurred int64
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.SessionID, &userID, &occurred,
			&e.Country, &e.Path, &e.Browser, &e.OS, &e.DeviceType, &e.Properties); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.UserID = userID.String
		e.OccurredAt = fromMillis(occurred)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEventsBefore removes raw events and batch records older than cutoff.
// Hourly rollups are kept.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ms := toMillis(cutoff)
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE occurred_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE received_at < ?`, ms); err != nil {
		return 0, fmt.Errorf("deleting batches: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing retention: %w", err)
	}
	return deleted, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
