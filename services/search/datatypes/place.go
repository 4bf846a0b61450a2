// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the search service.
//
// This file contains place records at the two detail levels used by the
// discovery funnel: LightCandidate (cheap fields, fetched in bulk during
// discovery) and EnrichedPlace (rich fields, fetched only for scout winners).
package datatypes

// =============================================================================
// Geographic Primitives
// =============================================================================

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// BusinessStatus values reported by the places provider.
const (
	BusinessOperational       = "OPERATIONAL"
	BusinessClosedTemporarily = "CLOSED_TEMPORARILY"
	BusinessClosedPermanently = "CLOSED_PERMANENTLY"
)

// =============================================================================
// Light Candidates
// =============================================================================

// LightCandidate is the minimal-field place record used during discovery.
//
// # Description
//
// Light candidates carry only the fields the funnel needs to rank, prefilter,
// and classify places before any expensive enrichment call is made. They are
// produced by the geo cache (from cached grid cells) or by the places
// provider with a light field mask.
//
// # Fields
//
//   - PlaceID: Provider-assigned stable identifier. Dedup key.
//   - DistanceMeters: True haversine distance from the search center.
//     Zero until computed by the geo cache.
//   - PriceLevel: 0 (unknown/free) through 4 (most expensive).
type LightCandidate struct {
	PlaceID         string   `json:"placeId"`
	Name            string   `json:"name"`
	Types           []string `json:"types"`
	Rating          float64  `json:"rating,omitempty"`
	UserRatingCount int      `json:"userRatingCount,omitempty"`
	Location        Location `json:"location"`
	DistanceMeters  float64  `json:"distance,omitempty"`
	PriceLevel      int      `json:"priceLevel,omitempty"`
	BusinessStatus  string   `json:"businessStatus,omitempty"`
}

// =============================================================================
// Enriched Places
// =============================================================================

// EnrichedPlace is the full-detail place record fetched for scout winners.
//
// Enrichment is the expensive provider call the funnel exists to minimize;
// at most six of these are fetched per request regardless of discovery
// volume.
type EnrichedPlace struct {
	LightCandidate

	Address      string   `json:"address,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	Website      string   `json:"website,omitempty"`
	OpeningHours []string `json:"openingHours,omitempty"`
	PhotoRefs    []string `json:"photoRefs,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

// =============================================================================
// Scoring
// =============================================================================

// PlaceScore is the per-place result of the deep scoring stage.
//
// # Fields
//
//   - MatchScore: 0-100 fit against the user's dietary profile.
//   - RelevanceScore: 0-100 fit against the raw query text.
//   - SafetyFlag: True when the scorer detected a dietary safety risk
//     (e.g. cross-contamination for a severe allergy). Flagged places are
//     excluded from results entirely.
type PlaceScore struct {
	PlaceID         string   `json:"placeId"`
	MatchScore      int      `json:"matchScore"`
	RelevanceScore  int      `json:"relevanceScore"`
	SafetyFlag      bool     `json:"safetyFlag"`
	ShortReason     string   `json:"shortReason,omitempty"`
	RecommendedDish string   `json:"recommendedDish,omitempty"`
	Pros            []string `json:"pros,omitempty"`
	Cons            []string `json:"cons,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// ScoredResult pairs an enriched place with its deep score for the response.
type ScoredResult struct {
	Place EnrichedPlace `json:"place"`
	Score PlaceScore    `json:"score"`
}
