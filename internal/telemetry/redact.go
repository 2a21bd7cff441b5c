// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TruncationMarker is appended to values cut by the redaction filter.
const TruncationMarker = "..."

// Default size caps, in runes.
const (
	DefaultMaxStringLen = 1000
	DefaultMaxObjectLen = 1000
)

// sensitiveKeys are always removed.
var sensitiveKeys = []string{"password", "token", "key", "secret", "credit_card", "ssn"}

// strictKeys are removed when the policy is strict.
var strictKeys = []string{"email", "phone"}

// markupPolicy strips every HTML element from string values.
var markupPolicy = bluemonday.StrictPolicy()

// RedactionPolicy configures Redact.
type RedactionPolicy struct {
	// Strict also removes email and phone keys.
	Strict bool
	// ExtraKeys are additional denylisted substrings.
	ExtraKeys []string
	// MaxStringLen caps string values (runes). Zero uses the default.
	MaxStringLen int
	// MaxObjectLen caps serialized maps and lists (runes). Zero uses the default.
	MaxObjectLen int
	// StripMarkup removes HTML from string values before capping.
	StripMarkup bool
}

// DefaultRedactionPolicy returns the standard policy.
func DefaultRedactionPolicy() RedactionPolicy {
	return RedactionPolicy{
		MaxStringLen: DefaultMaxStringLen,
		MaxObjectLen: DefaultMaxObjectLen,
	}
}

// normalized fills defaults and keeps the object cap from producing a
// string the string cap would cut again.
func (p RedactionPolicy) normalized() RedactionPolicy {
	if p.MaxStringLen <= 0 {
		p.MaxStringLen = DefaultMaxStringLen
	}
	if p.MaxObjectLen <= 0 {
		p.MaxObjectLen = DefaultMaxObjectLen
	}
	if p.MaxObjectLen+utf8.RuneCountInString(TruncationMarker) > p.MaxStringLen {
		p.MaxObjectLen = p.MaxStringLen
	}
	return p
}

// denylist returns the lowercase substrings that mark a key as sensitive.
func (p RedactionPolicy) denylist() []string {
	list := make([]string, 0, len(sensitiveKeys)+len(strictKeys)+len(p.ExtraKeys))
	list = append(list, sensitiveKeys...)
	if p.Strict {
		list = append(list, strictKeys...)
	}
	for _, k := range p.ExtraKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			list = append(list, k)
		}
	}
	return list
}

// IsSensitiveKey reports whether key matches the policy's denylist.
func (p RedactionPolicy) IsSensitiveKey(key string) bool {
	return matchesAny(strings.ToLower(key), p.denylist())
}

func matchesAny(lowerKey string, denylist []string) bool {
	for _, s := range denylist {
		if strings.Contains(lowerKey, s) {
			return true
		}
	}
	return false
}

// Redact returns a filtered copy of props. Sensitive keys are dropped,
// long strings are cut, and maps and lists are redacted recursively,
// serialized to JSON and cut. The input is not modified. Without
// StripMarkup, Redact(Redact(p)) equals Redact(p).
func Redact(props Properties, policy RedactionPolicy) Properties {
	p := policy.normalized()
	deny := p.denylist()

	out := make(Properties, len(props))
	for k, v := range props {
		if matchesAny(strings.ToLower(k), deny) {
			continue
		}
		out[k] = p.redactValue(v, deny)
	}
	return out
}

func (p RedactionPolicy) redactValue(v Value, deny []string) Value {
	switch v.Kind() {
	case KindString:
		s := v.Str()
		if p.StripMarkup {
			s = markupPolicy.Sanitize(s)
		}
		return String(truncate(s, p.MaxStringLen))
	case KindMap, KindList:
		data, err := json.Marshal(p.scrubNested(v, deny))
		if err != nil {
			return Null()
		}
		return String(truncate(string(data), p.MaxObjectLen))
	default:
		return v
	}
}

// scrubNested removes sensitive keys at every depth without serializing.
func (p RedactionPolicy) scrubNested(v Value, deny []string) Value {
	switch v.Kind() {
	case KindMap:
		fields := v.Fields()
		out := make(map[string]Value, len(fields))
		for k, e := range fields {
			if matchesAny(strings.ToLower(k), deny) {
				continue
			}
			out[k] = p.scrubNested(e, deny)
		}
		return Map(out)
	case KindList:
		items := v.Items()
		for i, e := range items {
			items[i] = p.scrubNested(e, deny)
		}
		return List(items...)
	case KindString:
		if p.StripMarkup {
			return String(markupPolicy.Sanitize(v.Str()))
		}
		return v
	default:
		return v
	}
}

// truncate cuts s to limit runes and appends TruncationMarker when it is longer.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + TruncationMarker
		}
		n++
	}
	return s
}
