// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTracker_RequiresEndpoint(t *testing.T) {
	os.Clearenv()
	_, err := LoadTracker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BEACON_ENDPOINT")
}

func TestLoadTracker_Defaults(t *testing.T) {
	os.Clearenv()
	setEnv(t, "BEACON_ENDPOINT", "https://ingest.example.com/api/v1/events")

	cfg, err := LoadTracker()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.FlushInterval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BaseBackoff)
	assert.Equal(t, 200, cfg.SendBatchMax)
	assert.Equal(t, []string{"error", "conversion"}, cfg.CriticalEvents)
	assert.True(t, cfg.Gzip)
	assert.False(t, cfg.DoNotTrack)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadTracker_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"relative endpoint": {"BEACON_ENDPOINT": "/api/v1/events"},
		"ftp endpoint":      {"BEACON_ENDPOINT": "ftp://ingest.example.com"},
		"zero batch":        {"BEACON_ENDPOINT": "https://x.example", "BEACON_BATCH_SIZE": "0"},
		"zero attempts":     {"BEACON_ENDPOINT": "https://x.example", "BEACON_MAX_ATTEMPTS": "0"},
		"oversized batch":   {"BEACON_ENDPOINT": "https://x.example", "BEACON_SEND_BATCH_MAX": "501"},
		"inverted backoff":  {"BEACON_ENDPOINT": "https://x.example", "BEACON_BASE_BACKOFF": "10s", "BEACON_MAX_BACKOFF": "1s"},
	}

	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range vars {
				setEnv(t, k, v)
			}
			_, err := LoadTracker()
			assert.Error(t, err)
		})
	}
}

func TestTrackerConfig_ToTelemetry(t *testing.T) {
	os.Clearenv()
	setEnv(t, "BEACON_ENDPOINT", "https://ingest.example.com/api/v1/events")
	setEnv(t, "BEACON_API_KEY", "bk_secret")
	setEnv(t, "BEACON_BATCH_SIZE", "25")
	setEnv(t, "BEACON_SEND_BATCH_MAX", "100")
	setEnv(t, "BEACON_STRICT", "true")
	setEnv(t, "BEACON_REDACT_KEYS", "iban,dob")
	setEnv(t, "BEACON_CRITICAL_EVENTS", "error,conversion,user_action")
	setEnv(t, "DO_NOT_TRACK", "1")
	setEnv(t, "BEACON_ENV", "production")

	cfg, err := LoadTracker()
	require.NoError(t, err)

	tc := cfg.ToTelemetry()
	assert.Equal(t, "https://ingest.example.com/api/v1/events", tc.Endpoint)
	assert.Equal(t, "bk_secret", tc.APIKey)
	assert.Equal(t, 25, tc.BatchSize)
	assert.Equal(t, 100, tc.MaxBatchEvents)
	assert.True(t, tc.Redaction.Strict)
	assert.Equal(t, []string{"iban", "dob"}, tc.Redaction.ExtraKeys)
	assert.Equal(t, 1000, tc.Redaction.MaxStringLen)
	assert.Equal(t, []string{"error", "conversion", "user_action"}, tc.CriticalEvents)
	assert.True(t, tc.DoNotTrack)
	assert.False(t, tc.Development)
}
