// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPSender_RequiresEndpoint(t *testing.T) {
	_, err := NewHTTPSender(HTTPSenderOptions{})
	assert.Error(t, err)
}

func TestHTTPSender_Send(t *testing.T) {
	var got struct {
		header  http.Header
		payload Payload
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.header = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got.payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPSenderOptions{Endpoint: srv.URL, APIKey: "bk_test"})
	require.NoError(t, err)

	env := envelopeNamed("signup")
	env.Properties["plan"] = String("pro")
	require.NoError(t, s.Send(context.Background(), Batch{ID: "batch-1", Events: []Envelope{env}}))

	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, "Bearer bk_test", got.header.Get("Authorization"))
	assert.Equal(t, "batch-1", got.header.Get(BatchIDHeader))
	assert.Equal(t, DefaultUserAgent, got.header.Get("User-Agent"))
	require.Len(t, got.payload.Events, 1)
	assert.Equal(t, "signup", got.payload.Events[0].Name)
	assert.Equal(t, "pro", got.payload.Events[0].Properties["plan"].Str())
}

func TestHTTPSender_Gzip(t *testing.T) {
	var payload Payload
	var encoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Content-Encoding")
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = zr.Close() }()
		body, _ := io.ReadAll(zr)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPSenderOptions{Endpoint: srv.URL, Gzip: true})
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), Batch{ID: "b", Events: []Envelope{envelopeNamed("a"), envelopeNamed("b")}}))
	assert.Equal(t, "gzip", encoding)
	assert.Equal(t, []string{"a", "b"}, names(payload.Events))
}

func TestHTTPSender_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPSenderOptions{Endpoint: srv.URL})
	require.NoError(t, err)

	err = s.Send(context.Background(), Batch{ID: "b", Events: []Envelope{envelopeNamed("a")}})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, 7*time.Second, se.RetryAfter)
	assert.Equal(t, "slow down", se.Body)
}

func TestHTTPSender_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, err := NewHTTPSender(HTTPSenderOptions{Endpoint: url, Timeout: time.Second})
	require.NoError(t, err)

	err = s.Send(context.Background(), Batch{ID: "b"})
	require.Error(t, err)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"-3", 0},
		{"15", 15 * time.Second},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}

	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
