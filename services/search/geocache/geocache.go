// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package geocache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platefinder/platefinder/services/search/datatypes"
	"github.com/platefinder/platefinder/services/search/observability"
	"github.com/platefinder/platefinder/services/search/places"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DiscoveryBatchSize is the fixed candidate cap for light discovery.
	DiscoveryBatchSize = 20

	// defaultGridTTL is how long a grid cell's place list stays fresh.
	defaultGridTTL = 6 * time.Hour

	// defaultDocTTL is how long an individual proximity document stays
	// fresh.
	defaultDocTTL = 24 * time.Hour
)

// Config holds geo cache tuning knobs. Zero values use defaults.
type Config struct {
	// GridTTL is the lifetime of grid cell entries. Default: 6h.
	GridTTL time.Duration

	// DocTTL is the lifetime of proximity documents. Default: 24h.
	DocTTL time.Duration

	// WriteQueueCapacity bounds the async write-back queue. Default: 256.
	WriteQueueCapacity int
}

// =============================================================================
// Queries and Results
// =============================================================================

// Query is one candidate lookup.
type Query struct {
	Lat          float64
	Lng          float64
	RadiusMeters int
	Keyword      string

	// ForceRefresh skips both cache layers and always calls the provider.
	// Used by the cache warmer so a refresh is never short-circuited by the
	// still-valid entry it is refreshing.
	ForceRefresh bool
}

// Center returns the query center as a Location.
func (q Query) Center() datatypes.Location {
	return datatypes.Location{Lat: q.Lat, Lng: q.Lng}
}

// Result is the outcome of one candidate lookup.
//
// Discarded holds provider results whose true haversine distance exceeded
// the requested radius, sorted nearest-first. They never enter Candidates
// but are retained as fallback material for the decision engine.
type Result struct {
	Candidates []datatypes.LightCandidate
	Source     string
	Discarded  []datatypes.LightCandidate
	CacheHits  int
}

// =============================================================================
// Cache
// =============================================================================

// Cache resolves light candidates through the layered caches and, as a last
// resort, the external places provider.
//
// # Thread Safety
//
// Safe for concurrent use; requests share the layers and the write queue.
type Cache struct {
	prox     *ProximityCache
	grid     GridStore
	provider places.Provider
	queue    *WriteQueue
	metrics  observability.Collector
	cfg      Config
	now      func() time.Time
}

// New creates a cache over the given layers and provider.
func New(grid GridStore, provider places.Provider, metrics observability.Collector, cfg Config) *Cache {
	if cfg.GridTTL <= 0 {
		cfg.GridTTL = defaultGridTTL
	}
	if cfg.DocTTL <= 0 {
		cfg.DocTTL = defaultDocTTL
	}
	return &Cache{
		prox:     NewProximityCache(cfg.DocTTL),
		grid:     grid,
		provider: provider,
		queue:    NewWriteQueue(cfg.WriteQueueCapacity, metrics),
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Close drains the background write queue.
func (c *Cache) Close() {
	c.queue.Close()
}

// GetCandidates resolves up to DiscoveryBatchSize light candidates for the
// query.
//
// # Description
//
// Resolution order:
//
//  1. Proximity documents, exact haversine filtering within the radius.
//  2. The grid cells covering the search circle, fetched in parallel, each
//     place haversine- and keyword-filtered, deduplicated by place id,
//     stopping at the batch size. Expired cells are deleted on read. A
//     fresh cell whose stored search params cover the query circle (same
//     keyword, query circle inside the stored one) is authoritative: the
//     provider already returned everything it had for that query, so the
//     lookup finishes here with source "cache" even when the batch is not
//     full. Its out-of-radius places become the discard set.
//  3. If still short and no cell was authoritative, the places provider
//     for the remaining count, capped at the provider's maximum radius.
//     Provider results beyond the true requested radius are strictly
//     discarded (retained sorted by distance for the decision engine).
//     All raw provider results are written back to both cache layers
//     asynchronously.
//
// On provider failure with at least one cache hit the call degrades to
// cache-only results; with zero cache hits it fails.
//
// # Outputs
//
//   - *Result: Candidates (every one satisfies haversine ≤ radius), source
//     attribution (cache, api, or hybrid), and discarded near-misses.
//   - error: Non-nil only when the provider failed and the cache had
//     nothing to offer.
func (c *Cache) GetCandidates(ctx context.Context, q Query) (*Result, error) {
	center := q.Center()
	radius := float64(q.RadiusMeters)

	var candidates []datatypes.LightCandidate
	seen := make(map[string]bool, DiscoveryBatchSize)
	covered := false
	var coveredDiscards []datatypes.LightCandidate

	if !q.ForceRefresh {
		// Layer 1: proximity documents.
		proxHits := c.prox.Within(center, radius, q.Keyword)
		c.metrics.CacheLookup("proximity", len(proxHits) > 0)
		for _, hit := range proxHits {
			if len(candidates) >= DiscoveryBatchSize {
				break
			}
			if !seen[hit.PlaceID] {
				seen[hit.PlaceID] = true
				candidates = append(candidates, hit)
			}
		}

		// Layer 2: grid cells, fanned out in parallel and joined.
		if len(candidates) < DiscoveryBatchSize {
			grid := c.collectGridHits(ctx, q)
			c.metrics.CacheLookup("grid", len(grid.hits) > 0)
			for _, hit := range grid.hits {
				if len(candidates) >= DiscoveryBatchSize {
					break
				}
				if !seen[hit.PlaceID] {
					seen[hit.PlaceID] = true
					candidates = append(candidates, hit)
				}
			}
			covered = grid.covered
			coveredDiscards = grid.discarded
		}
	}

	cacheHits := len(candidates)
	if cacheHits >= DiscoveryBatchSize || covered {
		sortByDistance(candidates)
		return &Result{
			Candidates: candidates,
			Source:     datatypes.SourceCache,
			Discarded:  coveredDiscards,
			CacheHits:  cacheHits,
		}, nil
	}

	// Layer 3: the provider, for the remaining count.
	remaining := DiscoveryBatchSize - len(candidates)
	providerRadius := q.RadiusMeters
	if providerRadius > datatypes.MaxSearchRadiusMeters {
		providerRadius = datatypes.MaxSearchRadiusMeters
	}

	raw, err := c.provider.SearchNearby(ctx, places.NearbyRequest{
		Center:       center,
		RadiusMeters: providerRadius,
		Keyword:      q.Keyword,
		MaxResults:   remaining,
		FieldMask:    places.FieldMaskLight,
	})
	if err != nil {
		c.metrics.ProviderCall("nearby", "error")
		if cacheHits > 0 {
			// Degrade to cache-only results.
			slog.Warn("Places provider failed, serving cache-only results",
				"error", err, "cache_hits", cacheHits)
			sortByDistance(candidates)
			return &Result{Candidates: candidates, Source: datatypes.SourceCache, CacheHits: cacheHits}, nil
		}
		return nil, err
	}
	c.metrics.ProviderCall("nearby", "success")

	// Strict radius filtering: the provider may return places beyond the
	// requested radius; those become decision-engine fallback material.
	var discarded []datatypes.LightCandidate
	for _, place := range raw {
		dist := HaversineMeters(center, place.Location)
		place.DistanceMeters = dist
		if dist > radius {
			discarded = append(discarded, place)
			continue
		}
		if len(candidates) < DiscoveryBatchSize && !seen[place.PlaceID] {
			seen[place.PlaceID] = true
			candidates = append(candidates, place)
		}
	}
	sortByDistance(discarded)
	sortByDistance(candidates)

	// Write back every raw result, discards included, off the response path.
	c.writeBack(q, raw)

	source := datatypes.SourceAPI
	if cacheHits > 0 {
		source = datatypes.SourceHybrid
	}
	return &Result{
		Candidates: candidates,
		Source:     source,
		Discarded:  discarded,
		CacheHits:  cacheHits,
	}, nil
}

// =============================================================================
// Internal Methods
// =============================================================================

// gridLookup is the joined outcome of one fan-out over the covering cells.
//
// covered is true when at least one fresh cell's stored params cover the
// query circle; discarded then holds that cell's keyword-matching places
// beyond the requested radius, for the decision engine.
type gridLookup struct {
	hits      []datatypes.LightCandidate
	discarded []datatypes.LightCandidate
	covered   bool
}

// collectGridHits fetches the covering grid cells in parallel and returns
// the in-radius, keyword-matching places, nearest-first, along with
// query-coverage information.
func (c *Cache) collectGridHits(ctx context.Context, q Query) gridLookup {
	center := q.Center()
	radius := float64(q.RadiusMeters)
	tokens := CoveringTokens(center)
	now := c.now()

	var mu sync.Mutex
	var result gridLookup

	g, gctx := errgroup.WithContext(ctx)
	for _, token := range tokens {
		g.Go(func() error {
			entry, err := c.grid.Get(gctx, token)
			if err != nil {
				// A broken cell read is a miss, not a failure.
				slog.Warn("Grid cell read failed", "token", token, "error", err)
				return nil
			}
			if entry == nil {
				return nil
			}
			if entry.Expired(now) {
				c.queue.Enqueue("grid-expire", func(ctx context.Context) error {
					return c.grid.Delete(ctx, token)
				})
				return nil
			}

			covers := entry.Params.Covers(q)
			var cellHits, cellDiscards []datatypes.LightCandidate
			for _, place := range entry.Places {
				if !MatchesKeyword(place, q.Keyword) {
					continue
				}
				dist := HaversineMeters(center, place.Location)
				place.DistanceMeters = dist
				if dist > radius {
					if covers {
						cellDiscards = append(cellDiscards, place)
					}
					continue
				}
				cellHits = append(cellHits, place)
			}

			if len(cellHits) > 0 || covers {
				touched := *entry
				touched.LastAccessed = now
				c.queue.Enqueue("grid-touch", func(ctx context.Context) error {
					return c.grid.Put(ctx, token, &touched)
				})
			}

			mu.Lock()
			result.hits = append(result.hits, cellHits...)
			result.discarded = append(result.discarded, cellDiscards...)
			result.covered = result.covered || covers
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // Workers report no errors; misses degrade silently.

	sortByDistance(result.hits)
	sortByDistance(result.discarded)
	return result
}

// writeBack persists raw provider results to both cache layers through the
// background queue.
func (c *Cache) writeBack(q Query, raw []datatypes.LightCandidate) {
	if len(raw) == 0 {
		return
	}
	now := c.now()

	for _, place := range raw {
		c.prox.Put(place)
	}

	token := CellToken(q.Center())
	placesCopy := make([]datatypes.LightCandidate, len(raw))
	copy(placesCopy, raw)
	entry := &GridEntry{
		Params: SearchParams{
			Lat:          q.Lat,
			Lng:          q.Lng,
			RadiusMeters: q.RadiusMeters,
			Keyword:      q.Keyword,
		},
		Places:       placesCopy,
		ExpiresAt:    now.Add(c.cfg.GridTTL),
		LastAccessed: now,
	}
	c.queue.Enqueue("grid-put", func(ctx context.Context) error {
		if q.ForceRefresh {
			// A warmer refresh is not a read. Carry the old access time
			// forward so an unread cell still ages out.
			if prev, err := c.grid.Get(ctx, token); err == nil && prev != nil {
				entry.LastAccessed = prev.LastAccessed
			}
		}
		return c.grid.Put(ctx, token, entry)
	})
}

// sortByDistance orders candidates nearest-first.
func sortByDistance(list []datatypes.LightCandidate) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].DistanceMeters < list[j].DistanceMeters
	})
}
