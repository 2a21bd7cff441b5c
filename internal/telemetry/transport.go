// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Transport defaults.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultUserAgent      = "beacon-go/1.0"
	maxResponseLen        = 4 * 1024
)

// BatchIDHeader carries the batch identifier so the receiver can drop replays.
const BatchIDHeader = "X-Batch-ID"

// Batch is one delivery unit. Its ID stays the same across retries.
type Batch struct {
	ID     string
	Events []Envelope
}

// Payload is the JSON body posted to the ingestion endpoint.
type Payload struct {
	Events []Envelope `json:"events"`
}

// Sender transmits a batch to the ingestion endpoint.
type Sender interface {
	Send(ctx context.Context, batch Batch) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, batch Batch) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, batch Batch) error { return f(ctx, batch) }

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPSenderOptions configures an HTTPSender.
type HTTPSenderOptions struct {
	Endpoint  string
	APIKey    string
	Timeout   time.Duration
	Gzip      bool
	UserAgent string
	// Client overrides the default HTTP client.
	Client *http.Client
}

// HTTPSender posts batches as JSON with bearer authentication.
type HTTPSender struct {
	endpoint  string
	apiKey    string
	gzip      bool
	userAgent string
	client    *http.Client
}

// NewHTTPSender creates an HTTPSender.
func NewHTTPSender(opts HTTPSenderOptions) (*HTTPSender, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("telemetry endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPSender{
		endpoint:  opts.Endpoint,
		apiKey:    opts.APIKey,
		gzip:      opts.Gzip,
		userAgent: opts.UserAgent,
		client:    client,
	}, nil
}

// Send posts the batch. Any non-2xx response yields a *StatusError.
func (s *HTTPSender) Send(ctx context.Context, batch Batch) error {
	body, err := json.Marshal(Payload{Events: batch.Events})
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	var encoding string
	if s.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return fmt.Errorf("compressing batch: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compressing batch: %w", err)
		}
		body = buf.Bytes()
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(BatchIDHeader, batch.ID)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseLen))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		Body:       strings.TrimSpace(string(respBody)),
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
