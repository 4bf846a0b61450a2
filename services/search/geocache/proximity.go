// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package geocache

import (
	"strings"
	"sync"
	"time"

	"github.com/platefinder/platefinder/services/search/datatypes"
)

// =============================================================================
// Proximity Document Cache
// =============================================================================

// ProximityCache is the in-memory layer of individual place documents.
//
// # Description
//
// Each place is stored once, keyed by place id, with a per-entry TTL.
// Lookups do exact haversine filtering against the query circle. Expired
// entries are deleted when a read encounters them (delete-on-read); the
// store performs no background expiry.
//
// # Thread Safety
//
// Safe for concurrent use. A single RWMutex guards the map; lookups scan
// under the read lock and collect expired keys for deletion under the write
// lock afterwards.
type ProximityCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry[datatypes.LightCandidate]
	ttl     time.Duration
	now     func() time.Time
}

// NewProximityCache creates a proximity cache with the given per-entry TTL.
func NewProximityCache(ttl time.Duration) *ProximityCache {
	return &ProximityCache{
		entries: make(map[string]*Entry[datatypes.LightCandidate]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores or refreshes one place document.
func (p *ProximityCache) Put(place datatypes.LightCandidate) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[place.PlaceID] = &Entry[datatypes.LightCandidate]{
		Data:         place,
		Timestamp:    now,
		TTL:          p.ttl,
		LastAccessed: now,
	}
}

// Within returns the live documents inside the query circle that match the
// keyword, with DistanceMeters populated. Expired documents encountered
// during the scan are deleted regardless of how often they were read before.
func (p *ProximityCache) Within(center datatypes.Location, radiusMeters float64, keyword string) []datatypes.LightCandidate {
	now := p.now()

	var hits []datatypes.LightCandidate
	var expired []string

	p.mu.RLock()
	for id, entry := range p.entries {
		if entry.Expired(now) {
			expired = append(expired, id)
			continue
		}
		dist := HaversineMeters(center, entry.Data.Location)
		if dist > radiusMeters {
			continue
		}
		if !MatchesKeyword(entry.Data, keyword) {
			continue
		}
		candidate := entry.Data
		candidate.DistanceMeters = dist
		hits = append(hits, candidate)
	}
	p.mu.RUnlock()

	if len(expired) > 0 {
		p.mu.Lock()
		for _, id := range expired {
			// Re-check: another goroutine may have refreshed the entry
			// between the scan and this deletion.
			if entry, ok := p.entries[id]; ok && entry.Expired(now) {
				delete(p.entries, id)
			}
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	for _, hit := range hits {
		if entry, ok := p.entries[hit.PlaceID]; ok {
			entry.LastAccessed = now
		}
	}
	p.mu.Unlock()

	return hits
}

// Len returns the current document count, expired entries included.
func (p *ProximityCache) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// MatchesKeyword reports whether a candidate matches the search keyword by
// case-insensitive containment in its name or type tags. An empty keyword
// matches everything.
func MatchesKeyword(c datatypes.LightCandidate, keyword string) bool {
	if keyword == "" {
		return true
	}
	needle := strings.ToLower(keyword)
	if strings.Contains(strings.ToLower(c.Name), needle) {
		return true
	}
	for _, t := range c.Types {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}
