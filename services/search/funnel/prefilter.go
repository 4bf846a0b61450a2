// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package funnel

import (
	"sort"
	"strings"

	"github.com/platefinder/platefinder/services/search/ai"
	"github.com/platefinder/platefinder/services/search/datatypes"
)

// =============================================================================
// Rule Pre-filter
// =============================================================================

// restaurantTypes are the provider type tags accepted by the funnel. A
// candidate carrying none of them is removed before the AI stage.
var restaurantTypes = map[string]bool{
	"restaurant":     true,
	"cafe":           true,
	"bakery":         true,
	"bar":            true,
	"meal_takeaway":  true,
	"meal_delivery":  true,
	"food":           true,
	"fast_food":      true,
	"ice_cream_shop": true,
}

// Prefilter removes candidates the scout should never see: permanently or
// temporarily closed places, price tiers above the user's budget, and
// non-restaurant categories. Pure function; the input slice is not mutated.
func Prefilter(candidates []datatypes.LightCandidate, profile datatypes.DietaryProfile) []datatypes.LightCandidate {
	kept := make([]datatypes.LightCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.BusinessStatus == datatypes.BusinessClosedPermanently ||
			c.BusinessStatus == datatypes.BusinessClosedTemporarily {
			continue
		}
		if profile.MaxPriceLevel > 0 && c.PriceLevel > profile.MaxPriceLevel {
			continue
		}
		if !isRestaurant(c) {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func isRestaurant(c datatypes.LightCandidate) bool {
	for _, t := range c.Types {
		if restaurantTypes[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// =============================================================================
// Deterministic Scout Fallback
// =============================================================================

// dietConflicts maps a dietary pattern to tokens that signal an obvious
// conflict in a place's name or type tags. Coarse on purpose: the fallback
// only has to avoid embarrassing picks, not replicate the AI.
var dietConflicts = map[string][]string{
	"vegan":      {"steakhouse", "steak", "bbq", "barbecue", "butcher", "seafood", "grill"},
	"vegetarian": {"steakhouse", "steak", "bbq", "barbecue", "butcher"},
	"halal":      {"pork", "brewery", "wine_bar"},
	"kosher":     {"pork", "seafood"},
	"pescatarian": {"steakhouse", "steak", "bbq", "barbecue", "butcher"},
}

// FallbackScout is the deterministic degradation used when the scout call
// fails: drop candidates whose name or types signal an obvious diet
// conflict, sort the rest by rating, take the top six.
func FallbackScout(candidates []datatypes.LightCandidate, profile datatypes.DietaryProfile) *ai.ScoutResult {
	kept := make([]datatypes.LightCandidate, 0, len(candidates))
	for _, c := range candidates {
		if hasDietConflict(c, profile) {
			continue
		}
		kept = append(kept, c)
	}

	sortByRating(kept)
	if len(kept) > ai.MaxPerfectMatches {
		kept = kept[:ai.MaxPerfectMatches]
	}

	result := &ai.ScoutResult{}
	for _, c := range kept {
		result.PerfectMatches = append(result.PerfectMatches, c.PlaceID)
	}
	if len(result.PerfectMatches) == 0 {
		result.IsSurvivalMode = true
		if nearest := nearestCandidate(candidates); nearest != nil {
			result.Survival = &ai.SurvivalPick{
				PlaceID: nearest.PlaceID,
				Reason:  "closest open option while AI matching is unavailable",
			}
		}
	}
	return result
}

func hasDietConflict(c datatypes.LightCandidate, profile datatypes.DietaryProfile) bool {
	haystack := strings.ToLower(c.Name + " " + strings.Join(c.Types, " "))
	for _, diet := range profile.Diets {
		for _, token := range dietConflicts[strings.ToLower(diet)] {
			if strings.Contains(haystack, token) {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Deterministic Score Fallback
// =============================================================================

// FallbackScores produces rating-derived scores when deep scoring fails.
// The results are honest about their provenance via ShortReason and carry
// no safety analysis, so no safety filtering is applied to them.
func FallbackScores(enriched []datatypes.EnrichedPlace) []datatypes.PlaceScore {
	scores := make([]datatypes.PlaceScore, 0, len(enriched))
	for _, p := range enriched {
		match := int(p.Rating * 20)
		if match > 100 {
			match = 100
		}
		scores = append(scores, datatypes.PlaceScore{
			PlaceID:        p.PlaceID,
			MatchScore:     match,
			RelevanceScore: match,
			ShortReason:    "rating-based fallback while AI scoring is unavailable",
		})
	}
	return scores
}

// =============================================================================
// Small Helpers
// =============================================================================

// sortByRating orders candidates best-rated first, rating count breaking ties.
func sortByRating(list []datatypes.LightCandidate) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Rating != list[j].Rating {
			return list[i].Rating > list[j].Rating
		}
		return list[i].UserRatingCount > list[j].UserRatingCount
	})
}

// nearestCandidate returns a copy of the nearest candidate, or nil for an
// empty input. Pure function; fallback lookups never mutate a fetched set.
func nearestCandidate(list []datatypes.LightCandidate) *datatypes.LightCandidate {
	if len(list) == 0 {
		return nil
	}
	best := list[0]
	for _, c := range list[1:] {
		if c.DistanceMeters < best.DistanceMeters {
			best = c
		}
	}
	return &best
}
