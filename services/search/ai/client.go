// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ai provides the AI classification and scoring clients for the
// discovery funnel.
//
// Two call shapes exist:
//
//   - Scout: classifies light candidates against a dietary profile into up
//     to six perfect matches, or zero matches plus one survival compromise.
//   - Scorer: deep-scores enriched places for the final ranking.
//
// Both are contracts; the production implementation speaks to an
// OpenAI-compatible chat completion API. The funnel owns the deterministic
// fallbacks used when these calls fail.
package ai

import (
	"context"

	"github.com/platefinder/platefinder/services/search/datatypes"
)

// =============================================================================
// Scout
// =============================================================================

// MaxPerfectMatches bounds how many winners the scout may return, which in
// turn bounds the number of expensive enrichment calls per request.
const MaxPerfectMatches = 6

// SurvivalPick is the single compromise candidate offered when nothing
// matches the profile perfectly.
type SurvivalPick struct {
	PlaceID string `json:"placeId"`
	Reason  string `json:"reason"`
}

// ScoutResult is the outcome of one classification call.
//
// Exactly one of the two shapes holds: PerfectMatches non-empty with
// IsSurvivalMode false, or PerfectMatches empty with IsSurvivalMode true
// and Survival set (when any compromise exists at all).
type ScoutResult struct {
	PerfectMatches []string      `json:"perfectMatches"`
	Survival       *SurvivalPick `json:"survivalOption,omitempty"`
	IsSurvivalMode bool          `json:"isSurvivalMode"`
}

// Scout classifies candidates against a dietary profile.
type Scout interface {
	Classify(ctx context.Context, candidates []datatypes.LightCandidate,
		profile datatypes.DietaryProfile, keyword string) (*ScoutResult, error)
}

// =============================================================================
// Scorer
// =============================================================================

// Scorer deep-scores enriched places against the profile and raw query.
//
// Implementations return one PlaceScore per input place; missing places are
// treated as scoring failures by the funnel.
type Scorer interface {
	Score(ctx context.Context, enriched []datatypes.EnrichedPlace,
		profile datatypes.DietaryProfile, query string) ([]datatypes.PlaceScore, error)
}
