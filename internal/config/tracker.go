// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/olegiv/beacon/internal/telemetry"
)

// TrackerConfig holds client-side telemetry settings loaded from environment variables.
type TrackerConfig struct {
	Endpoint string `env:"BEACON_ENDPOINT"`
	APIKey   string `env:"BEACON_API_KEY"`

	BatchSize      int           `env:"BEACON_BATCH_SIZE" envDefault:"10"`
	FlushInterval  time.Duration `env:"BEACON_FLUSH_INTERVAL" envDefault:"30s"`
	MaxAttempts    int           `env:"BEACON_MAX_ATTEMPTS" envDefault:"3"`
	BaseBackoff    time.Duration `env:"BEACON_BASE_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"BEACON_MAX_BACKOFF" envDefault:"30s"`
	MaxBufferSize  int           `env:"BEACON_MAX_BUFFER" envDefault:"1000"`
	SendBatchMax   int           `env:"BEACON_SEND_BATCH_MAX" envDefault:"200"`
	RequestTimeout time.Duration `env:"BEACON_REQUEST_TIMEOUT" envDefault:"10s"`
	Gzip           bool          `env:"BEACON_GZIP" envDefault:"true"`

	CriticalEvents []string `env:"BEACON_CRITICAL_EVENTS" envSeparator:"," envDefault:"error,conversion"`
	Strict         bool     `env:"BEACON_STRICT" envDefault:"false"`
	RedactKeys     []string `env:"BEACON_REDACT_KEYS" envSeparator:","`
	StripMarkup    bool     `env:"BEACON_STRIP_MARKUP" envDefault:"false"`

	// DoNotTrack follows the consoledonottrack.com convention.
	DoNotTrack       bool   `env:"DO_NOT_TRACK" envDefault:"false"`
	Env              string `env:"BEACON_ENV" envDefault:"development"`
	TrackDevelopment bool   `env:"BEACON_TRACK_DEVELOPMENT" envDefault:"false"`

	ProbeURL      string        `env:"BEACON_PROBE_URL"`
	ProbeInterval time.Duration `env:"BEACON_PROBE_INTERVAL" envDefault:"15s"`
}

// LoadTracker parses environment variables and returns a TrackerConfig.
func LoadTracker() (*TrackerConfig, error) {
	cfg := &TrackerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing tracker config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the endpoint and numeric knobs.
func (c *TrackerConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("BEACON_ENDPOINT is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BEACON_ENDPOINT must be an absolute http(s) URL, got %q", c.Endpoint)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BEACON_BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.SendBatchMax < 1 || c.SendBatchMax > MaxBatchEventsLimit {
		return fmt.Errorf("BEACON_SEND_BATCH_MAX must be between 1 and %d, got %d", MaxBatchEventsLimit, c.SendBatchMax)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("BEACON_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("BEACON_FLUSH_INTERVAL must be positive, got %s", c.FlushInterval)
	}
	if c.BaseBackoff <= 0 || c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("backoff range invalid: base %s, max %s", c.BaseBackoff, c.MaxBackoff)
	}
	return nil
}

// IsDevelopment returns true if the tracker runs in a development build.
func (c TrackerConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// ToTelemetry converts c into a telemetry.Config.
func (c TrackerConfig) ToTelemetry() telemetry.Config {
	redaction := telemetry.DefaultRedactionPolicy()
	redaction.Strict = c.Strict
	redaction.ExtraKeys = c.RedactKeys
	redaction.StripMarkup = c.StripMarkup

	return telemetry.Config{
		Endpoint:         c.Endpoint,
		APIKey:           c.APIKey,
		BatchSize:        c.BatchSize,
		FlushInterval:    c.FlushInterval,
		MaxAttempts:      c.MaxAttempts,
		BaseBackoff:      c.BaseBackoff,
		MaxBackoff:       c.MaxBackoff,
		MaxBufferSize:    c.MaxBufferSize,
		MaxBatchEvents:   c.SendBatchMax,
		RequestTimeout:   c.RequestTimeout,
		Gzip:             c.Gzip,
		CriticalEvents:   c.CriticalEvents,
		Redaction:        redaction,
		DoNotTrack:       c.DoNotTrack,
		Development:      c.IsDevelopment(),
		TrackDevelopment: c.TrackDevelopment,
		ProbeURL:         c.ProbeURL,
		ProbeInterval:    c.ProbeInterval,
	}
}
