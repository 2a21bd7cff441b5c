// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/olegiv/beacon/internal/middleware"
	"github.com/olegiv/beacon/internal/store"
)

const (
	defaultStatsHours = 24
	maxStatsHours     = 24 * 31
)

// StatsHandler serves aggregated counts for the authenticated key.
type StatsHandler struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(st *store.Store, logger *slog.Logger) *StatsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsHandler{store: st, logger: logger, now: time.Now}
}

// HourlyStat is one rollup row.
type HourlyStat struct {
	Hour     time.Time `json:"hour"`
	Name     string    `json:"name"`
	Events   int64     `json:"events"`
	Sessions int64     `json:"sessions"`
	Users    int64     `json:"users"`
}

// NameTotal is the raw event count for a name.
type NameTotal struct {
	Name   string `json:"name"`
	Events int64  `json:"events"`
}

// StatsResponse is the body of GET /api/v1/stats.
type StatsResponse struct {
	Hours  int          `json:"hours"`
	Since  time.Time    `json:"since"`
	Totals []NameTotal  `json:"totals"`
	Hourly []HourlyStat `json:"hourly"`
}

// Stats handles GET /api/v1/stats?hours=N. Totals count raw events;
// hourly rows come from the rollup table and lag by up to an hour.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	key := middleware.GetIngestKey(r)
	if key == nil {
		middleware.WriteAPIError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated", nil)
		return
	}

	hours := defaultStatsHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxStatsHours {
			writeValidationError(w, map[string]string{
				"hours": "Must be an integer between 1 and " + strconv.Itoa(maxStatsHours),
			})
			return
		}
		hours = n
	}

	since := h.now().UTC().Truncate(time.Hour).Add(-time.Duration(hours-1) * time.Hour)

	totals, err := h.store.EventTotals(r.Context(), key.ID, since)
	if err != nil {
		h.logger.Error("failed to load event totals", "key_id", key.ID, "error", err)
		writeInternalError(w, "Failed to load stats")
		return
	}
	hourly, err := h.store.ListHourly(r.Context(), key.ID, since)
	if err != nil {
		h.logger.Error("failed to load hourly rollups", "key_id", key.ID, "error", err)
		writeInternalError(w, "Failed to load stats")
		return
	}

	resp := StatsResponse{
		Hours:  hours,
		Since:  since,
		Totals: make([]NameTotal, 0, len(totals)),
		Hourly: make([]HourlyStat, 0, len(hourly)),
	}
	for _, t := range totals {
		resp.Totals = append(resp.Totals, NameTotal{Name: t.Name, Events: t.Events})
	}
	for _, row := range hourly {
		resp.Hourly = append(resp.Hourly, HourlyStat{
			Hour:     row.HourStart,
			Name:     row.Name,
			Events:   row.Events,
			Sessions: row.Sessions,
			Users:    row.Users,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
