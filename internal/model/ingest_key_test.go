// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package model

import (
	"strings"
	"testing"
)

func TestGenerateIngestKey(t *testing.T) {
	rawKey, err := GenerateIngestKey()
	if err != nil {
		t.Fatalf("GenerateIngestKey() error = %v", err)
	}

	if !strings.HasPrefix(rawKey, IngestKeyScheme) {
		t.Errorf("GenerateIngestKey() = %q, want %q scheme", rawKey, IngestKeyScheme)
	}
	// 32 bytes in unpadded base64 is 43 characters
	if len(rawKey) != len(IngestKeyScheme)+43 {
		t.Errorf("GenerateIngestKey() length = %d, want %d", len(rawKey), len(IngestKeyScheme)+43)
	}
	if !LooksLikeIngestKey(rawKey) {
		t.Error("LooksLikeIngestKey() = false for a generated key")
	}

	// Generate another key to ensure uniqueness
	rawKey2, err := GenerateIngestKey()
	if err != nil {
		t.Fatalf("GenerateIngestKey() second call error = %v", err)
	}
	if rawKey == rawKey2 {
		t.Error("GenerateIngestKey() generated identical keys")
	}
}

func TestHashIngestKey(t *testing.T) {
	key := "bk_test-ingest-key-12345"
	hash := HashIngestKey(key)

	// Hash should be 64 characters (SHA-256 hex)
	if len(hash) != 64 {
		t.Errorf("HashIngestKey() length = %d, want 64", len(hash))
	}
	if hash != HashIngestKey(key) {
		t.Error("HashIngestKey() is not deterministic")
	}
	if hash == HashIngestKey("bk_different-key") {
		t.Error("HashIngestKey() produced same hash for different inputs")
	}
}

func TestIngestKeyPrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"bk_abcdefghijklmnop", "bk_abcdefghi"},
		{"bk_short", "bk_short"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := IngestKeyPrefix(tt.in); got != tt.want {
			t.Errorf("IngestKeyPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLooksLikeIngestKey(t *testing.T) {
	tests := map[string]bool{
		"bk_abcdefghijklmnop": true,
		"bk_short":            false,
		"sk_abcdefghijklmnop": false,
		"":                    false,
	}
	for in, want := range tests {
		if got := LooksLikeIngestKey(in); got != want {
			t.Errorf("LooksLikeIngestKey(%q) = %v, want %v", in, got, want)
		}
	}
}
