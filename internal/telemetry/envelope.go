// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mozillazg/go-unidecode"
)

// Well-known event names.
const (
	EventPageView    = "page_view"
	EventUserAction  = "user_action"
	EventError       = "error"
	EventConversion  = "conversion"
	EventPerformance = "performance_metric"
)

// ErrInvalidName is returned for event names with no usable characters.
var ErrInvalidName = errors.New("invalid event name")

// Envelope is one captured event with its context. Envelopes are built
// by the Tracker and treated as immutable afterwards.
type Envelope struct {
	ID         uuid.UUID   `json:"id"`
	Name       string      `json:"name"`
	Properties Properties  `json:"properties"`
	Timestamp  time.Time   `json:"timestamp"`
	SessionID  string      `json:"session_id"`
	UserID     string      `json:"user_id,omitempty"`
	Page       PageContext `json:"page"`
}

// Clone returns a copy of e that shares no mutable state with it.
func (e Envelope) Clone() Envelope {
	e.Properties = e.Properties.Clone()
	return e
}

// NormalizeName transliterates name to ASCII and converts it to
// snake_case, so "Page View" becomes "page_view".
func NormalizeName(name string) (string, error) {
	ascii := strings.ToLower(unidecode.Unidecode(name))

	var b strings.Builder
	b.Grow(len(ascii))
	pendingSep := false
	for _, r := range ascii {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	if b.Len() == 0 {
		return "", ErrInvalidName
	}
	return b.String(), nil
}
