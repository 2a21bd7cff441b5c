// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package logging provides a slog handler that mirrors application errors
// into the telemetry pipeline as error events.
package logging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ErrorTracker receives error records. *telemetry.Tracker implements it.
type ErrorTracker interface {
	TrackError(ctx context.Context, err error, errCtx map[string]any)
}

// ComponentKey is the attribute naming the subsystem that logged a record.
const ComponentKey = "component"

// telemetryComponent marks records logged by the tracker itself. They are
// never forwarded, otherwise a failing delivery would feed itself.
const telemetryComponent = "telemetry"

// TelemetryHandler is a slog.Handler that wraps another handler and also
// reports ERROR records to an ErrorTracker.
type TelemetryHandler struct {
	inner   slog.Handler
	tracker ErrorTracker
	level   slog.Level // Minimum level to forward (default: ERROR)
	attrs   []slog.Attr
	group   string
}

// NewTelemetryHandler creates a TelemetryHandler that wraps the given handler.
func NewTelemetryHandler(inner slog.Handler, tracker ErrorTracker) *TelemetryHandler {
	return NewTelemetryHandlerWithLevel(inner, tracker, slog.LevelError)
}

// NewTelemetryHandlerWithLevel creates a TelemetryHandler with a custom minimum level.
func NewTelemetryHandlerWithLevel(inner slog.Handler, tracker ErrorTracker, level slog.Level) *TelemetryHandler {
	return &TelemetryHandler{
		inner:   inner,
		tracker: tracker,
		level:   level,
	}
}

// Enabled implements slog.Handler.
func (h *TelemetryHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *TelemetryHandler) Handle(ctx context.Context, r slog.Record) error {
	// Always forward to the inner handler first
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	if h.tracker != nil && r.Level >= h.level {
		h.forward(ctx, r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *TelemetryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := h.clone()
	next.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.qualify(a))
	}
	return next
}

// WithGroup implements slog.Handler.
func (h *TelemetryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.clone()
	next.inner = h.inner.WithGroup(name)
	if next.group != "" {
		next.group += "." + name
	} else {
		next.group = name
	}
	return next
}

func (h *TelemetryHandler) clone() *TelemetryHandler {
	return &TelemetryHandler{
		inner:   h.inner,
		tracker: h.tracker,
		level:   h.level,
		attrs:   append([]slog.Attr(nil), h.attrs...),
		group:   h.group,
	}
}

func (h *TelemetryHandler) qualify(a slog.Attr) slog.Attr {
	if h.group == "" {
		return a
	}
	return slog.Attr{Key: h.group + "." + a.Key, Value: a.Value}
}

// forward converts the record to an error event. An "error" attribute of
// type error becomes the event error; the message is kept as context.
func (h *TelemetryHandler) forward(ctx context.Context, r slog.Record) {
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.qualify(a))
		return true
	})

	var cause error
	errCtx := map[string]any{"log_message": r.Message}
	for _, a := range attrs {
		if a.Key == ComponentKey && a.Value.String() == telemetryComponent {
			return
		}
		if a.Key == "error" && cause == nil {
			if err, ok := a.Value.Any().(error); ok {
				cause = err
				continue
			}
		}
		errCtx[a.Key] = attrValue(a.Value)
	}
	if cause == nil {
		cause = errors.New(r.Message)
	}

	h.tracker.TrackError(context.WithoutCancel(ctx), cause, errCtx)
}

// attrValue flattens a slog value into something telemetry can encode.
func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration()
	case slog.KindTime:
		return v.Time()
	case slog.KindGroup:
		group := make(map[string]any, len(v.Group()))
		for _, a := range v.Group() {
			group[a.Key] = attrValue(a.Value)
		}
		return group
	default:
		return strings.TrimSpace(v.String())
	}
}
