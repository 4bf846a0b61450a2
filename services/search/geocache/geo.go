// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package geocache implements the multi-layer geospatial cache.
//
// # Description
//
// Candidate lookups resolve through two cache layers before the external
// places provider is touched:
//
//	proximity documents (RAM) → grid cells (document store) → provider
//
// The proximity layer holds individual place documents with per-entry TTL.
// The grid layer holds raw place lists keyed by coarse geographic cell.
// Expiry for both is enforced lazily by the readers (delete-on-read); the
// stores themselves never expire anything. All provider results, including
// out-of-radius discards, are written back asynchronously through a bounded
// queue that never blocks or fails the response path.
//
// This file contains the geographic primitives: haversine distance and the
// S2 cell keys that partition the world into grid cache cells.
package geocache

import (
	"github.com/golang/geo/s2"

	"github.com/platefinder/platefinder/services/search/datatypes"
)

// earthRadiusMeters is the mean Earth radius used for distance conversion.
const earthRadiusMeters = 6371000.0

// gridCellLevel determines the granularity of the S2 grid cache cells.
//
// S2 cells are a hierarchical spatial indexing system (see
// https://s2geometry.io/). Level 13 cells have roughly 1.2 km edges, so a
// typical 1-3 km search circle is covered by the center cell and its edge
// and corner neighbors: nine cells at most. Larger radii accept
// false-negative misses in exchange for bounded fan-out.
const gridCellLevel = 13

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(a, b datatypes.Location) float64 {
	from := s2.LatLngFromDegrees(a.Lat, a.Lng)
	to := s2.LatLngFromDegrees(b.Lat, b.Lng)
	return from.Distance(to).Radians() * earthRadiusMeters
}

// CellToken returns the grid cache key for a coordinate.
func CellToken(loc datatypes.Location) string {
	ll := s2.LatLngFromDegrees(loc.Lat, loc.Lng)
	return s2.CellIDFromLatLng(ll).Parent(gridCellLevel).ToToken()
}

// CoveringTokens returns the grid cell keys to consult for a search circle:
// the center cell plus its edge and corner neighbors, deduplicated, nine
// cells at most.
func CoveringTokens(center datatypes.Location) []string {
	ll := s2.LatLngFromDegrees(center.Lat, center.Lng)
	cell := s2.CellIDFromLatLng(ll).Parent(gridCellLevel)

	// AllNeighbors yields the edge and vertex neighbors only, so the ring
	// stays one cell deep around the center.
	cells := append([]s2.CellID{cell}, cell.AllNeighbors(gridCellLevel)...)

	seen := make(map[s2.CellID]bool, len(cells))
	tokens := make([]string, 0, len(cells))
	for _, c := range cells {
		if !seen[c] {
			seen[c] = true
			tokens = append(tokens, c.ToToken())
		}
	}
	return tokens
}
