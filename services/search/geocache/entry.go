// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package geocache

import (
	"strings"
	"time"

	"github.com/platefinder/platefinder/services/search/datatypes"
)

// =============================================================================
// Cache Entries
// =============================================================================

// Entry is a TTL-carrying cache record.
//
// # Invariant
//
// An entry is expired when now - Timestamp > TTL. Expiry is enforced by the
// reader (delete-on-read), never by the store holding the entry, so the
// invariant holds independently of how often the entry was read before.
type Entry[T any] struct {
	Data         T             `json:"data"`
	Timestamp    time.Time     `json:"timestamp"`
	TTL          time.Duration `json:"ttl"`
	LastAccessed time.Time     `json:"lastAccessed"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry[T]) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// =============================================================================
// Grid Entries
// =============================================================================

// SearchParams are the original parameters a grid entry was populated with.
// The cache warmer replays them verbatim when refreshing the cell.
type SearchParams struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RadiusMeters int     `json:"radius"`
	Keyword      string  `json:"keyword"`
}

// Covers reports whether the search these params describe fully contains
// the query circle.
//
// # Invariant
//
// A fresh entry whose params cover a query is authoritative for it: the
// provider already returned everything it had for that keyword inside the
// stored circle, so a place absent from the entry is absent upstream too.
// Coverage requires the same keyword and the query circle lying entirely
// inside the stored one.
func (p SearchParams) Covers(q Query) bool {
	if !strings.EqualFold(p.Keyword, q.Keyword) {
		return false
	}
	stored := datatypes.Location{Lat: p.Lat, Lng: p.Lng}
	offset := HaversineMeters(stored, q.Center())
	return offset+float64(q.RadiusMeters) <= float64(p.RadiusMeters)
}

// GridEntry is a raw place list cached under one geographic cell key.
//
// # Lifecycle
//
//   - Created on a cache miss followed by a successful provider fetch.
//   - LastAccessed updated on every read that serves from the entry.
//   - Deleted lazily when a reader finds it expired, or proactively
//     refreshed by the cache warmer before expiry.
type GridEntry struct {
	Params       SearchParams               `json:"searchParams"`
	Places       []datatypes.LightCandidate `json:"places"`
	ExpiresAt    time.Time                  `json:"expiresAt"`
	LastAccessed time.Time                  `json:"lastAccessed"`
}

// Expired reports whether the grid entry has passed its expiry at now.
func (g *GridEntry) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}
