// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/olegiv/beacon/internal/archive"
	"github.com/olegiv/beacon/internal/cache"
	"github.com/olegiv/beacon/internal/geoip"
	"github.com/olegiv/beacon/internal/middleware"
	"github.com/olegiv/beacon/internal/store"
	"github.com/olegiv/beacon/internal/telemetry"
	"github.com/olegiv/beacon/internal/util"
)

const (
	// maxBatchIDLen bounds the X-Batch-ID header.
	maxBatchIDLen = 128

	// insertTimeout bounds a batch insert, which outlives the request so a
	// client disconnect cannot abandon a claimed batch half way.
	insertTimeout = 30 * time.Second
)

// Archiver accepts stored batches for copying to object storage.
type Archiver interface {
	Enqueue(b archive.Batch) bool
}

// EventsConfig holds ingestion limits.
type EventsConfig struct {
	MaxBodyBytes   int64
	MaxBatchEvents int
	DedupeTTL      time.Duration
}

// EventsHandler accepts event batches from trackers.
type EventsHandler struct {
	store    *store.Store
	cache    cache.Cache
	geo      geoip.Resolver
	archiver Archiver
	policy   telemetry.RedactionPolicy
	cfg      EventsConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewEventsHandler creates the ingestion handler. geo and archiver may be nil.
func NewEventsHandler(st *store.Store, c cache.Cache, geo geoip.Resolver, archiver Archiver, cfg EventsConfig, logger *slog.Logger) *EventsHandler {
	if geo == nil {
		geo = geoip.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = 500
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 24 * time.Hour
	}

	policy := telemetry.DefaultRedactionPolicy()
	policy.Strict = true

	return &EventsHandler{
		store:    st,
		cache:    c,
		geo:      geo,
		archiver: archiver,
		policy:   policy,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// IngestResponse is the body of a successful ingest.
type IngestResponse struct {
	BatchID   string `json:"batch_id"`
	Received  int    `json:"received"`
	Accepted  int    `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Ingest handles POST /api/v1/events.
func (h *EventsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	key := middleware.GetIngestKey(r)
	if key == nil {
		middleware.WriteAPIError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated", nil)
		return
	}

	batchID := strings.TrimSpace(r.Header.Get("X-Batch-ID"))
	if len(batchID) > maxBatchIDLen {
		writeBadRequest(w, "X-Batch-ID is too long")
		return
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}

	payload, err := h.decode(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteAPIError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit), nil)
			return
		}
		writeBadRequest(w, "Invalid request body")
		return
	}

	if fieldErrors := h.validate(payload); len(fieldErrors) > 0 {
		writeValidationError(w, fieldErrors)
		return
	}

	resp := IngestResponse{BatchID: batchID, Received: len(payload.Events)}

	dedupeKey := "batch:" + strconv.FormatInt(key.ID, 10) + ":" + batchID
	claimed := h.claimBatch(r.Context(), dedupeKey)
	if !claimed {
		// The claim is taken before the insert commits, so a retry can race
		// the first attempt. Only report a duplicate once the batch is stored.
		stored, err := h.store.BatchStored(r.Context(), key.ID, batchID)
		if err != nil {
			h.logger.Warn("failed to check batch", "batch_id", batchID, "key_id", key.ID, "error", err)
		}
		if !stored {
			w.Header().Set("Retry-After", "1")
			middleware.WriteAPIError(w, http.StatusConflict, "batch_in_progress",
				"Batch is still being stored, retry shortly", nil)
			return
		}
		resp.Duplicate = true
		writeJSON(w, http.StatusOK, resp)
		return
	}

	received := h.now().UTC()
	params := store.InsertBatchParams{
		BatchID:    batchID,
		KeyID:      key.ID,
		ReceivedAt: received,
		Events:     h.rows(r, payload.Events, received),
	}

	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), insertTimeout)
	defer cancel()
	inserted, err := h.store.InsertBatch(insertCtx, params)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateBatch) {
			resp.Duplicate = true
			writeJSON(w, http.StatusOK, resp)
			return
		}
		h.releaseBatch(dedupeKey)
		h.logger.Error("failed to store batch", "batch_id", batchID, "key_id", key.ID, "error", err)
		writeInternalError(w, "Failed to store events")
		return
	}

	if h.archiver != nil {
		h.archiver.Enqueue(archive.BatchFromRows(params))
	}

	resp.Accepted = inserted
	h.logger.Debug("batch accepted", "batch_id", batchID, "key_id", key.ID,
		"received", resp.Received, "accepted", inserted)
	writeJSON(w, http.StatusAccepted, resp)
}

// decode reads the optionally gzip-encoded JSON body. Both the wire body
// and the decompressed body are capped at MaxBodyBytes.
func (h *EventsHandler) decode(w http.ResponseWriter, r *http.Request) (telemetry.Payload, error) {
	var payload telemetry.Payload

	var body io.ReadCloser = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	defer func() { _ = body.Close() }()

	switch strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return payload, fmt.Errorf("opening gzip body: %w", err)
		}
		defer func() { _ = zr.Close() }()
		body = http.MaxBytesReader(w, zr, h.cfg.MaxBodyBytes)
	default:
		return payload, fmt.Errorf("unsupported content encoding %q", r.Header.Get("Content-Encoding"))
	}

	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// validate checks batch size and required fields. Event names are
// normalized in place.
func (h *EventsHandler) validate(p telemetry.Payload) map[string]string {
	errs := make(map[string]string)
	switch {
	case len(p.Events) == 0:
		errs["events"] = "At least one event is required"
		return errs
	case len(p.Events) > h.cfg.MaxBatchEvents:
		errs["events"] = fmt.Sprintf("At most %d events per batch", h.cfg.MaxBatchEvents)
		return errs
	}

	for i := range p.Events {
		e := &p.Events[i]
		name, err := telemetry.NormalizeName(e.Name)
		if err != nil {
			errs[fmt.Sprintf("events[%d].name", i)] = "Event name is required"
		} else {
			e.Name = name
		}
		if strings.TrimSpace(e.SessionID) == "" {
			errs[fmt.Sprintf("events[%d].session_id", i)] = "Session ID is required"
		}
	}
	return errs
}

// claimBatch records the batch id and reports whether it is new. Cache
// failures let the batch through; the store still rejects replays.
func (h *EventsHandler) claimBatch(ctx context.Context, key string) bool {
	if h.cache == nil {
		return true
	}
	ok, err := h.cache.SetNX(ctx, key, []byte("1"), h.cfg.DedupeTTL)
	if err != nil {
		h.logger.Warn("batch dedupe unavailable", "error", err)
		return true
	}
	return ok
}

// releaseBatch forgets a claimed batch id so the client's retry is accepted.
func (h *EventsHandler) releaseBatch(key string) {
	if h.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.cache.Delete(ctx, key); err != nil {
		h.logger.Warn("failed to release batch id", "key", key, "error", err)
	}
}

// rows redacts and enriches envelopes for storage.
func (h *EventsHandler) rows(r *http.Request, events []telemetry.Envelope, received time.Time) []store.EventRow {
	country := h.geo.Country(util.PublicClientIP(r))

	out := make([]store.EventRow, 0, len(events))
	for _, e := range events {
		id := e.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		occurred := e.Timestamp
		if occurred.IsZero() {
			occurred = received
		}

		props, err := json.Marshal(telemetry.Redact(e.Properties, h.policy))
		if err != nil {
			h.logger.Warn("dropping unencodable properties", "event_id", id, "error", err)
			props = []byte("{}")
		}

		out = append(out, store.EventRow{
			ID:         id.String(),
			Name:       e.Name,
			SessionID:  e.SessionID,
			UserID:     e.UserID,
			OccurredAt: occurred,
			Country:    country,
			Path:       e.Page.Path,
			Browser:    e.Page.Browser,
			OS:         e.Page.OS,
			DeviceType: e.Page.DeviceType,
			Properties: string(props),
		})
	}
	return out
}
