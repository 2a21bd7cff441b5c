// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/mileusna/useragent"
	"golang.org/x/text/language"
)

// PageContext describes where an event happened.
type PageContext struct {
	URL        string `json:"url,omitempty"`
	Path       string `json:"path,omitempty"`
	Referrer   string `json:"referrer,omitempty"`
	Title      string `json:"title,omitempty"`
	Viewport   string `json:"viewport,omitempty"`
	Screen     string `json:"screen,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	Browser    string `json:"browser,omitempty"`
	OS         string `json:"os,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Language   string `json:"language,omitempty"`

	// DoNotTrack is set when the visitor sent DNT or Sec-GPC.
	DoNotTrack bool `json:"-"`
}

type pageKey struct{}

// WithPage returns a context carrying page.
func WithPage(ctx context.Context, page PageContext) context.Context {
	return context.WithValue(ctx, pageKey{}, page)
}

// PageFromContext returns the page stored by WithPage.
func PageFromContext(ctx context.Context) (PageContext, bool) {
	if ctx == nil {
		return PageContext{}, false
	}
	page, ok := ctx.Value(pageKey{}).(PageContext)
	return page, ok
}

// PageFromRequest builds a PageContext from an incoming request. Query
// parameters whose names look sensitive are removed from the URL and
// the referrer.
func PageFromRequest(r *http.Request) PageContext {
	ua := parseUserAgent(r.UserAgent())

	page := PageContext{
		URL:        sanitizeURL(requestURL(r)),
		Path:       r.URL.Path,
		Referrer:   sanitizeURL(r.Referer()),
		Title:      r.Header.Get("X-Page-Title"),
		Viewport:   firstHeader(r, "Sec-CH-Viewport-Width", "Viewport-Width"),
		UserAgent:  r.UserAgent(),
		Browser:    ua.browser,
		OS:         ua.os,
		DeviceType: ua.deviceType,
		Language:   primaryLanguage(r.Header.Get("Accept-Language")),
		DoNotTrack: r.Header.Get("DNT") == "1" || r.Header.Get("Sec-GPC") == "1",
	}
	return page
}

func firstHeader(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := r.Header.Get(n); v != "" {
			return v
		}
	}
	return ""
}

// requestURL reconstructs the absolute URL of r.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
		scheme = proto
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if host == "" {
		return r.URL.RequestURI()
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

// sanitizeURL drops query parameters with sensitive names.
func sanitizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.User = nil
	if u.RawQuery == "" {
		return u.String()
	}
	q := u.Query()
	policy := RedactionPolicy{Strict: true}
	for k := range q {
		if policy.IsSensitiveKey(k) {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// primaryLanguage returns the base language of the most preferred
// Accept-Language entry, e.g. "en" for "en-US,en;q=0.9".
func primaryLanguage(header string) string {
	if header == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	base, conf := tags[0].Base()
	if conf == language.No {
		return ""
	}
	return strings.ToLower(base.String())
}

type parsedUA struct {
	browser    string
	os         string
	deviceType string
}

// parseUserAgent extracts browser, OS, and device type from a user agent string.
func parseUserAgent(uaString string) parsedUA {
	if uaString == "" {
		return parsedUA{}
	}
	ua := useragent.Parse(uaString)

	result := parsedUA{
		browser: ua.Name,
		os:      ua.OS,
	}
	if result.browser == "" {
		result.browser = "Unknown"
	}
	if result.os == "" {
		result.os = "Unknown"
	}

	switch {
	case ua.Mobile:
		result.deviceType = "mobile"
	case ua.Tablet:
		result.deviceType = "tablet"
	case ua.Bot:
		result.deviceType = "bot"
	default:
		result.deviceType = "desktop"
	}
	return result
}
