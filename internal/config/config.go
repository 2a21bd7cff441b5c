// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config holds the ingestion service configuration loaded from environment variables.
type Config struct {
	DBDriver   string `env:"BEACON_DB_DRIVER" envDefault:"sqlite"`
	DBDSN      string `env:"BEACON_DB_DSN" envDefault:"./data/beacon.db"`
	ServerHost string `env:"BEACON_SERVER_HOST" envDefault:"localhost"`
	ServerPort int    `env:"BEACON_SERVER_PORT" envDefault:"8080"`
	Env        string `env:"BEACON_ENV" envDefault:"development"`
	LogLevel   string `env:"BEACON_LOG_LEVEL" envDefault:"info"`

	// Cache configuration
	RedisURL     string        `env:"BEACON_REDIS_URL"`                         // Optional Redis URL for shared dedupe state
	CachePrefix  string        `env:"BEACON_CACHE_PREFIX" envDefault:"beacon:"` // Redis key prefix
	CacheMaxSize int           `env:"BEACON_CACHE_MAX_SIZE" envDefault:"100000"`
	DedupeTTL    time.Duration `env:"BEACON_DEDUPE_TTL" envDefault:"24h"` // How long batch ids are remembered

	// GeoIP configuration
	GeoIPDBPath string `env:"BEACON_GEOIP_DB_PATH"` // Path to GeoLite2-Country.mmdb file

	// Ingestion limits
	IngestRPS      float64 `env:"BEACON_INGEST_RPS" envDefault:"20"`
	IngestBurst    int     `env:"BEACON_INGEST_BURST" envDefault:"40"`
	MaxBodyBytes   int64   `env:"BEACON_MAX_BODY_BYTES" envDefault:"1048576"`
	MaxBatchEvents int     `env:"BEACON_MAX_BATCH_EVENTS" envDefault:"500"`

	// Rollups and retention
	RetentionDays int  `env:"BEACON_RETENTION_DAYS" envDefault:"90"`
	SchedulerOff  bool `env:"BEACON_SCHEDULER_DISABLED" envDefault:"false"`

	Archive ArchiveConfig `envPrefix:"BEACON_ARCHIVE_"`
}

// ArchiveConfig configures the optional S3-compatible batch archive.
type ArchiveConfig struct {
	Bucket    string `env:"BUCKET"`
	Endpoint  string `env:"ENDPOINT"` // Empty means AWS
	Region    string `env:"REGION" envDefault:"us-east-1"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Prefix    string `env:"PREFIX" envDefault:"events/"`
	PathStyle bool   `env:"PATH_STYLE" envDefault:"false"`
	Workers   int    `env:"WORKERS" envDefault:"2"`
	QueueSize int    `env:"QUEUE_SIZE" envDefault:"256"`
}

// Enabled returns true if an archive bucket is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// IsDevelopment returns true if the application is running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ServerAddr returns the full server address in host:port format.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// UseRedisCache returns true if Redis caching is configured.
func (c Config) UseRedisCache() bool {
	return c.RedisURL != ""
}

// GeoIPEnabled returns true if GeoIP database is configured.
func (c Config) GeoIPEnabled() bool {
	return c.GeoIPDBPath != ""
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to Info.
func (c Config) SlogLevel() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to Info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MaxBatchEventsLimit is the largest batch the ingestion endpoint accepts.
const MaxBatchEventsLimit = 500

// Load parses environment variables and returns a Config struct.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	if c.DBDriver != DriverSQLite && c.DBDriver != DriverMySQL {
		errs = append(errs, fmt.Errorf("BEACON_DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverMySQL, c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("BEACON_DB_DSN must not be empty"))
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("BEACON_SERVER_PORT out of range: %d", c.ServerPort))
	}
	if c.IngestRPS <= 0 {
		errs = append(errs, fmt.Errorf("BEACON_INGEST_RPS must be positive, got %v", c.IngestRPS))
	}
	if c.IngestBurst < 1 {
		errs = append(errs, fmt.Errorf("BEACON_INGEST_BURST must be at least 1, got %d", c.IngestBurst))
	}
	if c.MaxBodyBytes < 1024 {
		errs = append(errs, fmt.Errorf("BEACON_MAX_BODY_BYTES must be at least 1024, got %d", c.MaxBodyBytes))
	}
	if c.MaxBatchEvents < 1 || c.MaxBatchEvents > MaxBatchEventsLimit {
		errs = append(errs, fmt.Errorf("BEACON_MAX_BATCH_EVENTS must be between 1 and %d, got %d", MaxBatchEventsLimit, c.MaxBatchEvents))
	}
	if c.DedupeTTL < time.Minute {
		errs = append(errs, fmt.Errorf("BEACON_DEDUPE_TTL must be at least 1m, got %s", c.DedupeTTL))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("BEACON_RETENTION_DAYS must not be negative, got %d", c.RetentionDays))
	}
	if c.Archive.Enabled() {
		if c.Archive.Workers < 1 {
			errs = append(errs, fmt.Errorf("BEACON_ARCHIVE_WORKERS must be at least 1, got %d", c.Archive.Workers))
		}
		if c.Archive.QueueSize < 1 {
			errs = append(errs, fmt.Errorf("BEACON_ARCHIVE_QUEUE_SIZE must be at least 1, got %d", c.Archive.QueueSize))
		}
		if (c.Archive.AccessKey == "") != (c.Archive.SecretKey == "") {
			errs = append(errs, errors.New("BEACON_ARCHIVE_ACCESS_KEY and BEACON_ARCHIVE_SECRET_KEY must be set together"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
