// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"time"
)

// HourlyRow is one rollup: counts for an event name within an hour.
type HourlyRow struct {
	KeyID     int64
	HourStart time.Time
	Name      string
	Events    int64
	Sessions  int64
	Users     int64
}

// EventTotal is the number of events with a given name.
type EventTotal struct {
	Name   string
	Events int64
}

// AggregateHourly rebuilds the rollups for the hour starting at hourStart.
// It is idempotent: rerunning replaces the rows for that hour.
func (s *Store) AggregateHourly(ctx context.Context, hourStart time.Time) (int64, error) {
	hourStart = hourStart.UTC().Truncate(time.Hour)
	from := toMillis(hourStart)
	to := toMillis(hourStart.Add(time.Hour))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_hourly WHERE hour_start = ?`, from); err != nil {
		return 0, fmt.Errorf("clearing hourly rollup: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_hourly (key_id, hour_start, name, events, sessions, users)
		SELECT key_id, ?, name, COUNT(*), COUNT(DISTINCT session_id), COUNT(DISTINCT user_id)
		FROM events
		WHERE occurred_at >= ? AND occurred_at < ?
		GROUP BY key_id, name`, from, from, to)
	if err != nil {
		return 0, fmt.Errorf("aggregating hourly rollup: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing hourly rollup: %w", err)
	}
	return n, nil
}

// ListHourly returns a key's rollups for hours starting at or after since,
// oldest first.
func (s *Store) ListHourly(ctx context.Context, keyID int64, since time.Time) ([]HourlyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, hour_start, name, events, sessions, users
		FROM event_hourly
		WHERE key_id = ? AND hour_start >= ?
		ORDER BY hour_start, name`, keyID, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("listing hourly rollups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HourlyRow
	for rows.Next() {
		var (
			r    HourlyRow
			hour int64
		)
		if err := rows.Scan(&r.KeyID, &hour, &r.Name, &r.Events, &r.Sessions, &r.Users); err != nil {
			return nil, fmt.Errorf("scanning hourly rollup: %w", err)
		}
		r.HourStart = fromMillis(hour)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventTotals counts a key's raw events since the given time, by name,
// most frequent first.
func (s *Store) EventTotals(ctx context.Context, keyID int64, since time.Time) ([]EventTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, COUNT(*) AS total
		FROM events
		WHERE key_id = ? AND occurred_at >= ?
		GROUP BY name
		ORDER BY total DESC, name`, keyID, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EventTotal
	for rows.Next() {
		var t EventTotal
		if err := rows.Scan(&t.Name, &t.Events); err != nil {
			return nil, fmt.Errorf("scanning event total: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
