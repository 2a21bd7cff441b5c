// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package geoip resolves client IPs to ISO country codes using a MaxMind
// GeoLite2-Country (or compatible) database. The IP itself is never kept.
package geoip

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"github.com/olegiv/beacon/internal/util"
)

// Resolver maps an IP to a country code. Empty means unknown.
type Resolver interface {
	Country(ip net.IP) string
}

// Lookup is a Resolver backed by a MaxMind database file that can be
// reloaded in place when the file changes.
type Lookup struct {
	mu      sync.RWMutex
	db      *maxminddb.Reader
	path    string
	modTime time.Time
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Open loads the database at path.
func Open(path string) (*Lookup, error) {
	l := &Lookup{path: path}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// load opens the database if it is new or has changed. Caller holds mu
// or has exclusive access.
func (l *Lookup) load() error {
	info, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("stat geoip database: %w", err)
	}
	if l.db != nil && info.ModTime().Equal(l.modTime) {
		return nil
	}

	db, err := maxminddb.Open(l.path)
	if err != nil {
		return fmt.Errorf("opening geoip database: %w", err)
	}
	if l.db != nil {
		_ = l.db.Close()
	}
	l.db = db
	l.modTime = info.ModTime()
	return nil
}

// Reload reopens the database if the file was modified since it was last
// loaded. On failure the previous database stays in use.
func (l *Lookup) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Country returns the ISO 3166-1 alpha-2 code for ip, or "" for private
// addresses and addresses the database does not know.
func (l *Lookup) Country(ip net.IP) string {
	if ip == nil || util.IsPrivateIP(ip) {
		return ""
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.db == nil {
		return ""
	}

	var rec countryRecord
	if err := l.db.Lookup(ip, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// Close releases the database.
func (l *Lookup) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// Nop resolves every address to "".
type Nop struct{}

// Country implements Resolver.
func (Nop) Country(net.IP) string { return "" }

// Static resolves from a fixed table keyed by IP string. Useful in tests
// and for pinning known proxies.
type Static map[string]string

// Country implements Resolver.
func (s Static) Country(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return s[ip.String()]
}
