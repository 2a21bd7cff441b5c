// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package model defines domain types shared by the ingestion service.
package model

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// IngestKeyScheme marks raw ingest keys so they are recognisable in configs and logs.
const IngestKeyScheme = "bk_"

// IngestKeyPrefixLength is the number of leading characters stored in
// clear text to identify a key.
const IngestKeyPrefixLength = 12

// GenerateIngestKey generates a new random ingest key. The raw key is
// shown to the operator once; only its hash is stored.
func GenerateIngestKey() (string, error) {
	// Generate 32 random bytes
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return IngestKeyScheme + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashIngestKey creates a SHA-256 hash of the key for storage.
func HashIngestKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// IngestKeyPrefix returns the identifying prefix of a raw key.
func IngestKeyPrefix(key string) string {
	if len(key) <= IngestKeyPrefixLength {
		return key
	}
	return key[:IngestKeyPrefixLength]
}

// LooksLikeIngestKey reports whether s has the shape of a raw ingest key.
func LooksLikeIngestKey(s string) bool {
	return strings.HasPrefix(s, IngestKeyScheme) && len(s) > IngestKeyPrefixLength
}
