// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package geocache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platefinder/platefinder/services/search/datatypes"
)

// =============================================================================
// Geometry Tests
// =============================================================================

func TestHaversineMeters(t *testing.T) {
	t.Run("zero distance for identical points", func(t *testing.T) {
		p := datatypes.Location{Lat: 40.7308, Lng: -73.9973}
		assert.InDelta(t, 0, HaversineMeters(p, p), 0.01)
	})

	t.Run("one degree of latitude is about 111km", func(t *testing.T) {
		a := datatypes.Location{Lat: 40.0, Lng: -74.0}
		b := datatypes.Location{Lat: 41.0, Lng: -74.0}
		dist := HaversineMeters(a, b)
		assert.InDelta(t, 111195, dist, 500)
	})

	t.Run("symmetric", func(t *testing.T) {
		a := datatypes.Location{Lat: 40.7308, Lng: -73.9973}
		b := datatypes.Location{Lat: 40.7589, Lng: -73.9851}
		assert.InDelta(t, HaversineMeters(a, b), HaversineMeters(b, a), 0.01)
	})
}

func TestCellToken(t *testing.T) {
	center := datatypes.Location{Lat: 40.7308, Lng: -73.9973}

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, CellToken(center), CellToken(center))
	})

	t.Run("nearby points share a cell, distant points do not", func(t *testing.T) {
		veryClose := datatypes.Location{Lat: center.Lat + 0.0001, Lng: center.Lng}
		farAway := datatypes.Location{Lat: center.Lat + 1.0, Lng: center.Lng}
		assert.Equal(t, CellToken(center), CellToken(veryClose))
		assert.NotEqual(t, CellToken(center), CellToken(farAway))
	})
}

func TestCoveringTokens(t *testing.T) {
	center := datatypes.Location{Lat: 40.7308, Lng: -73.9973}
	tokens := CoveringTokens(center)

	require.NotEmpty(t, tokens)
	assert.LessOrEqual(t, len(tokens), 9)
	assert.Contains(t, tokens, CellToken(center))

	seen := make(map[string]bool)
	for _, tok := range tokens {
		assert.False(t, seen[tok], "token %s appears twice", tok)
		seen[tok] = true
	}
}

// =============================================================================
// Keyword Matching Tests
// =============================================================================

func TestMatchesKeyword(t *testing.T) {
	place := datatypes.LightCandidate{
		Name:  "Joe's Vegan Pizza",
		Types: []string{"restaurant", "meal_takeaway"},
	}

	assert.True(t, MatchesKeyword(place, ""))
	assert.True(t, MatchesKeyword(place, "vegan"))
	assert.True(t, MatchesKeyword(place, "PIZZA"))
	assert.True(t, MatchesKeyword(place, "takeaway"))
	assert.False(t, MatchesKeyword(place, "sushi"))
}
