// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package middleware provides HTTP middleware for ingest key
// authentication, rate limiting and request handling.
package middleware

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/olegiv/beacon/internal/model"
	"github.com/olegiv/beacon/internal/store"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

// ContextKeyIngestKey is the context key for the authenticated ingest key.
const ContextKeyIngestKey ContextKey = "ingest_key"

// touchInterval limits how often last_used_at is written per key.
const touchInterval = time.Minute

// APIError represents a JSON error response for the API.
type APIError struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details,omitempty"`
	} `json:"error"`
}

// WriteAPIError writes a JSON error response.
func WriteAPIError(w http.ResponseWriter, statusCode int, code, message string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	apiErr := APIError{}
	apiErr.Error.Code = code
	apiErr.Error.Message = message
	apiErr.Error.Details = details

	_ = json.NewEncoder(w).Encode(apiErr)
}

// KeyStore is the subset of the store used to authenticate requests.
type KeyStore interface {
	GetIngestKeyByHash(ctx context.Context, hash string) (store.IngestKey, error)
	TouchIngestKey(ctx context.Context, id int64, at time.Time) error
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "Missing Authorization header"
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", "Invalid Authorization header format. Use: Bearer <ingest_key>"
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", "Ingest key is empty"
	}
	return token, ""
}

// IngestAuth creates middleware that requires a valid, active ingest key
// as a Bearer token.
func IngestAuth(keys KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey, problem := bearerToken(r)
			if problem != "" {
				WriteAPIError(w, http.StatusUnauthorized, "unauthorized", problem, nil)
				return
			}

			key, err := keys.GetIngestKeyByHash(r.Context(), model.HashIngestKey(rawKey))
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					WriteAPIError(w, http.StatusUnauthorized, "unauthorized", "Invalid ingest key", nil)
				} else {
					logger.Error("failed to validate ingest key", "error", err)
					WriteAPIError(w, http.StatusInternalServerError, "internal_error", "Failed to validate ingest key", nil)
				}
				return
			}

			if !key.IsActive {
				WriteAPIError(w, http.StatusUnauthorized, "unauthorized", "Ingest key is revoked", nil)
				return
			}

			if key.LastUsedAt == nil || time.Since(*key.LastUsedAt) > touchInterval {
				touchIngestKey(keys, key.ID, logger)
			}

			ctx := context.WithValue(r.Context(), ContextKeyIngestKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// touchIngestKey updates the last used timestamp in a background goroutine.
func touchIngestKey(keys KeyStore, id int64, logger *slog.Logger) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := keys.TouchIngestKey(ctx, id, time.Now()); err != nil {
			logger.Debug("failed to update ingest key last use", "key_id", id, "error", err)
		}
	}()
}

// GetIngestKey retrieves the ingest key from the request context.
// Returns nil if no key is in context.
func GetIngestKey(r *http.Request) *store.IngestKey {
	key, ok := r.Context().Value(ContextKeyIngestKey).(store.IngestKey)
	if !ok {
		return nil
	}
	return &key
}

// limiterCache is a generic rate limiter cache with double-check locking.
type limiterCache[K comparable] struct {
	limiters map[K]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// newLimiterCache creates a new limiter cache.
func newLimiterCache[K comparable](rps float64, burst int) *limiterCache[K] {
	return &limiterCache[K]{
		limiters: make(map[K]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// get returns the rate limiter for a specific key, creating one if needed.
func (lc *limiterCache[K]) get(key K) *rate.Limiter {
	lc.mu.RLock()
	limiter, exists := lc.limiters[key]
	lc.mu.RUnlock()

	if exists {
		return limiter
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists = lc.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(lc.rate, lc.burst)
	lc.limiters[key] = limiter
	return limiter
}

// clearIfExceeds clears all entries if the cache exceeds maxSize.
// Returns true if the cache was cleared.
func (lc *limiterCache[K]) clearIfExceeds(maxSize int) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if len(lc.limiters) > maxSize {
		lc.limiters = make(map[K]*rate.Limiter)
		return true
	}
	return false
}

// maxTrackedKeys bounds the limiter cache.
const maxTrackedKeys = 10000

// IngestRateLimit creates middleware that rate limits requests per ingest
// key. It must run after IngestAuth. Rejected requests get 429 with a
// Retry-After header in whole seconds.
func IngestRateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	cache := newLimiterCache[int64](rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetIngestKey(r)
			if key == nil {
				next.ServeHTTP(w, r)
				return
			}

			cache.clearIfExceeds(maxTrackedKeys)
			limiter := cache.get(key.ID)

			now := time.Now()
			res := limiter.ReserveN(now, 1)
			if !res.OK() {
				WriteAPIError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded. Please slow down.", nil)
				return
			}
			if delay := res.DelayFrom(now); delay > 0 {
				res.CancelAt(now)
				w.Header().Set("Retry-After", retryAfterSeconds(delay))
				WriteAPIError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded. Please slow down.", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds d up to whole seconds, at least 1.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
