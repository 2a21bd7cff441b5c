// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"net/http"
	"strings"
	"time"
)

// MiddlewareConfig controls which requests the HTTP middleware records.
type MiddlewareConfig struct {
	// ExcludePaths are additional path prefixes that never produce page views.
	ExcludePaths []string
	// ResponseTiming emits a performance_metric for every tracked page view.
	ResponseTiming bool
}

// Skipped for page views: assets, admin and API routes.
var (
	staticPrefixes = []string{
		"/static/",
		"/assets/",
		"/media/",
		"/uploads/",
		"/favicon.",
		"/robots.txt",
		"/sitemap",
		"/.well-known/",
	}
	staticExtensions = []string{
		".css", ".js", ".map", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
		".woff", ".woff2", ".ttf", ".eot", ".otf",
		".xml", ".json", ".txt", ".pdf",
		".mp3", ".mp4", ".webm", ".ogg", ".wav",
		".zip", ".tar", ".gz", ".rar",
	}
	nonPagePrefixes = []string{
		"/admin",
		"/api/",
		"/health",
	}
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.status = http.StatusOK
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware stores the request's page context for handlers and records
// a page_view when a trackable GET completes with 200. This is the
// router hook for navigation: every completed page request is a view.
// Panics are recorded as error events and re-raised.
func (t *Tracker) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			page := PageFromRequest(r)
			ctx := WithPage(r.Context(), page)
			r = r.WithContext(ctx)

			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			defer func() {
				if rec := recover(); rec != nil {
					if rec != http.ErrAbortHandler {
						t.TrackError(ctx, ErrorFromPanic(rec), map[string]any{
							"method": r.Method,
							"path":   r.URL.Path,
						})
					}
					panic(rec)
				}
			}()

			next.ServeHTTP(rw, r)

			if rw.status != http.StatusOK || !cfg.trackable(r) {
				return
			}
			t.TrackPageView(ctx)
			if cfg.ResponseTiming {
				elapsed := float64(time.Since(start).Microseconds()) / 1000
				t.TrackPerformance(ctx, "response_time", elapsed, map[string]any{
					"path": r.URL.Path,
				})
			}
		})
	}
}

// trackable reports whether r is a page request.
func (cfg MiddlewareConfig) trackable(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}

	path := r.URL.Path
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}

	pathLower := strings.ToLower(path)
	for _, ext := range staticExtensions {
		if strings.HasSuffix(pathLower, ext) {
			return false
		}
	}

	for _, prefix := range nonPagePrefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}

	for _, prefix := range cfg.ExcludePaths {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}
