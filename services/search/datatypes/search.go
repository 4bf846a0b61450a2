// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains request and response types for the public search
// endpoint. For place records see place.go, for credit types see credits.go.

package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MinSearchRadiusMeters is the smallest accepted search radius.
	MinSearchRadiusMeters = 50

	// MaxSearchRadiusMeters is the largest accepted search radius. This is
	// also the hard cap the places provider enforces on a single query.
	MaxSearchRadiusMeters = 50000

	// MaxKeywordBytes bounds the keyword to keep AI prompts small.
	MaxKeywordBytes = 256

	// RadiusExpandIncrementMeters is added to the original radius when the
	// caller accepts a DECISION_REQUIRED expand option.
	RadiusExpandIncrementMeters = 2000
)

// Search modes. Auto degrades to the basic branch when the caller has no
// usable credit; AI mode fails with LIMIT_REACHED instead.
const (
	SearchModeAuto = "auto"
	SearchModeAI   = "ai"
)

// Response status values. An empty status on the wire means a normal result
// set; the two explicit values mark the funnel's fallback terminals.
const (
	StatusDecisionRequired = "DECISION_REQUIRED"
	StatusZeroResults      = "ZERO_RESULTS"
)

// Data levels for the result payload.
const (
	DataLevelLight = "light"
	DataLevelFull  = "full"
)

// Result source values reported by the geo cache.
const (
	SourceCache  = "cache"
	SourceAPI    = "api"
	SourceHybrid = "hybrid"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// searchValidate validates inbound search requests before any I/O happens.
var searchValidate = validator.New()

// =============================================================================
// Requests
// =============================================================================

// DietaryProfile captures the caller's dietary constraints and budget.
//
// The profile drives the rule prefilter (budget vs price level) and both AI
// stages (diet classification and deep scoring).
type DietaryProfile struct {
	// Diets lists dietary patterns, e.g. "vegan", "vegetarian", "halal".
	Diets []string `json:"diets,omitempty" form:"diets"`

	// Allergies lists allergens to avoid, e.g. "peanut", "gluten".
	Allergies []string `json:"allergies,omitempty" form:"allergies"`

	// MaxPriceLevel is the caller's budget ceiling, 0 (no limit) through 4.
	MaxPriceLevel int `json:"maxPriceLevel,omitempty" form:"maxPriceLevel" validate:"gte=0,lte=4"`
}

// SearchRequest is the bound form of GET /v1/search query parameters.
//
// # Validation
//
// Validate() rejects malformed coordinates and radii before any cache or
// provider I/O, so invalid input never has side effects.
type SearchRequest struct {
	Lat     float64 `form:"lat" validate:"gte=-90,lte=90"`
	Lng     float64 `form:"lng" validate:"gte=-180,lte=180"`
	Radius  int     `form:"radius" validate:"required,gte=50,lte=50000"`
	Keyword string  `form:"keyword" validate:"required,max=256"`
	CityID  string  `form:"cityId" validate:"max=64"`

	// Mode selects credit-exhaustion behavior, see SearchModeAuto/SearchModeAI.
	Mode string `form:"mode" validate:"omitempty,oneof=auto ai"`

	Profile DietaryProfile `form:"profile"`
}

// Validate checks the request against field constraints.
//
// # Outputs
//
//   - error: Non-nil when any field is out of range. The message names the
//     first failing field and is safe to return to the caller.
func (r *SearchRequest) Validate() error {
	if err := searchValidate.Struct(r); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return fmt.Errorf("invalid %s: failed '%s' constraint", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	return searchValidate.Struct(&r.Profile)
}

// =============================================================================
// Responses
// =============================================================================

// SurvivalOption is the single best compromise offered when no perfect match
// exists. Accepting it costs the caller nothing.
type SurvivalOption struct {
	Candidate LightCandidate `json:"candidate"`
	Reason    string         `json:"reason,omitempty"`
}

// ExpandOption offers a funnel re-run with a widened radius.
type ExpandOption struct {
	NewRadius int `json:"newRadius"`
}

// SearchResponse is the wire envelope for GET /v1/search.
//
// Status is empty for a normal result set; DECISION_REQUIRED and ZERO_RESULTS
// mark the fallback terminals. Degraded is set when an upstream failure was
// absorbed after a credit reservation (the credit is refunded in that case).
type SearchResponse struct {
	Results        []ScoredResult  `json:"results"`
	Credits        CreditSnapshot  `json:"credits"`
	Source         string          `json:"source,omitempty"`
	Status         string          `json:"status,omitempty"`
	DataLevel      string          `json:"dataLevel,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
	PioneerBonus   bool            `json:"pioneerBonus,omitempty"`
	SurvivalOption *SurvivalOption `json:"survivalOption,omitempty"`
	ExpandOption   *ExpandOption   `json:"expandOption,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
}
