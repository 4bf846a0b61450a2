// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package funnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platefinder/platefinder/services/search/ai"
	"github.com/platefinder/platefinder/services/search/datatypes"
)

// =============================================================================
// Pre-filter Tests
// =============================================================================

func TestPrefilter(t *testing.T) {
	candidates := []datatypes.LightCandidate{
		{PlaceID: "open", Types: []string{"restaurant"}, BusinessStatus: datatypes.BusinessOperational},
		{PlaceID: "temp-closed", Types: []string{"restaurant"}, BusinessStatus: datatypes.BusinessClosedTemporarily},
		{PlaceID: "gone", Types: []string{"restaurant"}, BusinessStatus: datatypes.BusinessClosedPermanently},
		{PlaceID: "pricey", Types: []string{"restaurant"}, BusinessStatus: datatypes.BusinessOperational, PriceLevel: 4},
		{PlaceID: "gas-station", Types: []string{"gas_station"}, BusinessStatus: datatypes.BusinessOperational},
	}

	t.Run("removes closed, over-budget, and non-restaurant places", func(t *testing.T) {
		kept := Prefilter(candidates, datatypes.DietaryProfile{MaxPriceLevel: 2})
		require.Len(t, kept, 1)
		assert.Equal(t, "open", kept[0].PlaceID)
	})

	t.Run("zero budget means no price filtering", func(t *testing.T) {
		kept := Prefilter(candidates, datatypes.DietaryProfile{})
		ids := make([]string, 0, len(kept))
		for _, c := range kept {
			ids = append(ids, c.PlaceID)
		}
		assert.ElementsMatch(t, []string{"open", "pricey"}, ids)
	})

	t.Run("input is not mutated", func(t *testing.T) {
		before := len(candidates)
		_ = Prefilter(candidates, datatypes.DietaryProfile{MaxPriceLevel: 1})
		assert.Len(t, candidates, before)
	})
}

// =============================================================================
// Deterministic Fallback Tests
// =============================================================================

func TestFallbackScout(t *testing.T) {
	t.Run("drops obvious diet conflicts and ranks by rating", func(t *testing.T) {
		candidates := []datatypes.LightCandidate{
			{PlaceID: "steak", Name: "Big Steakhouse", Types: []string{"restaurant"}, Rating: 4.9},
			{PlaceID: "greens", Name: "Leafy Greens", Types: []string{"restaurant"}, Rating: 4.2},
			{PlaceID: "noodles", Name: "Noodle Bar", Types: []string{"restaurant"}, Rating: 4.6},
		}
		result := FallbackScout(candidates, datatypes.DietaryProfile{Diets: []string{"vegan"}})

		assert.False(t, result.IsSurvivalMode)
		assert.Equal(t, []string{"noodles", "greens"}, result.PerfectMatches)
	})

	t.Run("caps winners at the enrichment bound", func(t *testing.T) {
		var candidates []datatypes.LightCandidate
		for i := 0; i < 10; i++ {
			candidates = append(candidates, datatypes.LightCandidate{
				PlaceID: string(rune('a' + i)),
				Name:    "Cafe",
				Types:   []string{"cafe"},
				Rating:  4.0,
			})
		}
		result := FallbackScout(candidates, datatypes.DietaryProfile{})
		assert.Len(t, result.PerfectMatches, ai.MaxPerfectMatches)
	})

	t.Run("all conflicts yields survival mode with nearest pick", func(t *testing.T) {
		candidates := []datatypes.LightCandidate{
			{PlaceID: "far-bbq", Name: "BBQ Pit", Rating: 4.5, DistanceMeters: 900},
			{PlaceID: "near-bbq", Name: "Corner BBQ", Rating: 4.0, DistanceMeters: 200},
		}
		result := FallbackScout(candidates, datatypes.DietaryProfile{Diets: []string{"vegan"}})

		assert.True(t, result.IsSurvivalMode)
		assert.Empty(t, result.PerfectMatches)
		require.NotNil(t, result.Survival)
		assert.Equal(t, "near-bbq", result.Survival.PlaceID)
	})
}

func TestFallbackScores(t *testing.T) {
	enriched := []datatypes.EnrichedPlace{
		{LightCandidate: datatypes.LightCandidate{PlaceID: "a", Rating: 4.5}},
		{LightCandidate: datatypes.LightCandidate{PlaceID: "b", Rating: 5.1}}, // bad provider data
	}
	scores := FallbackScores(enriched)

	require.Len(t, scores, 2)
	assert.Equal(t, 90, scores[0].MatchScore)
	assert.Equal(t, 100, scores[1].MatchScore, "scores clamp at 100")
	for _, s := range scores {
		assert.False(t, s.SafetyFlag)
		assert.NotEmpty(t, s.ShortReason)
	}
}
