// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package funnel runs the staged discovery pipeline: light discovery through
// the geo cache, rule pre-filtering, AI scouting, detail enrichment, and
// deep scoring, with credit accounting woven between the stages.
//
// The funnel charges at most one credit per run, reserved only after the
// scout confirms there is something worth enriching, and refunded whenever
// deep scoring fails afterward.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platefinder/platefinder/services/search/ai"
	"github.com/platefinder/platefinder/services/search/credits"
	"github.com/platefinder/platefinder/services/search/datatypes"
	"github.com/platefinder/platefinder/services/search/geocache"
	"github.com/platefinder/platefinder/services/search/observability"
	"github.com/platefinder/platefinder/services/search/places"
)

// =============================================================================
// Configuration
// =============================================================================

// TopResults bounds how many scored results a successful run returns.
const TopResults = 5

// Terminal labels recorded per run.
const (
	terminalResults  = "results"
	terminalBasic    = "basic"
	terminalDecision = "decision_required"
	terminalZero     = "zero_results"
	terminalLimit    = "limit_reached"
	terminalError    = "error"
)

var funnelTracer = otel.Tracer("platefinder/funnel")

// =============================================================================
// Controller
// =============================================================================

// Controller orchestrates one search through the full pipeline.
//
// # Thread Safety
//
// Safe for concurrent use. All per-run state lives on the stack; the
// collaborators are themselves concurrency-safe.
type Controller struct {
	cache    *geocache.Cache
	ledger   *credits.Ledger
	scout    ai.Scout
	scorer   ai.Scorer
	provider places.Provider
	metrics  observability.Collector
}

// NewController creates a funnel over the given collaborators.
//
// # Inputs
//
//   - cache: Layered geo cache for light discovery. Must not be nil.
//   - ledger: Credit ledger. Must not be nil.
//   - scout, scorer: AI stages. Must not be nil; pass the same client twice
//     when one backend serves both.
//   - provider: Places provider used directly for detail enrichment.
//   - metrics: Diagnostic collector. Pass observability.NopCollector{} to
//     disable.
func NewController(cache *geocache.Cache, ledger *credits.Ledger, scout ai.Scout,
	scorer ai.Scorer, provider places.Provider, metrics observability.Collector) *Controller {
	return &Controller{
		cache:    cache,
		ledger:   ledger,
		scout:    scout,
		scorer:   scorer,
		provider: provider,
		metrics:  metrics,
	}
}

// Run executes one search for userID. An empty userID means an anonymous
// caller, who is served the basic branch without credit accounting.
//
// # Description
//
// The stages run in order: light discovery, the zero-result decision engine
// if nothing came back, the credit gate, rule pre-filtering, AI scouting,
// detail enrichment for at most six winners, and deep scoring of which the
// top five survive. A credit is reserved only once the scout has produced
// winners, and refunded if deep scoring fails afterward.
//
// # Outputs
//
//   - *datatypes.SearchResponse: Terminal result. Never nil when err is nil.
//   - error: credits.ErrLimitReached when a free caller with no remaining
//     credits explicitly requested AI mode; otherwise an upstream failure
//     that left nothing to serve.
func (f *Controller) Run(ctx context.Context, userID string, req *datatypes.SearchRequest) (*datatypes.SearchResponse, error) {
	requestID := uuid.NewString()

	ctx, span := funnelTracer.Start(ctx, "funnel.run")
	span.SetAttributes(
		attribute.String("search.keyword", req.Keyword),
		attribute.Int("search.radius_m", req.Radius),
		attribute.Bool("search.anonymous", userID == ""),
	)
	defer span.End()

	// Stage 1: light discovery.
	disc, err := f.cache.GetCandidates(ctx, geocache.Query{
		Lat:          req.Lat,
		Lng:          req.Lng,
		RadiusMeters: req.Radius,
		Keyword:      req.Keyword,
	})
	if err != nil {
		f.metrics.FunnelTerminal(terminalError)
		return nil, fmt.Errorf("light discovery: %w", err)
	}
	if len(disc.Candidates) == 0 {
		return f.resolveZeroResults(ctx, userID, req, disc, requestID)
	}

	// Credit gate. The expensive stages only run for callers who can pay.
	aiAllowed, err := f.gate(ctx, userID)
	if err != nil {
		f.metrics.FunnelTerminal(terminalError)
		return nil, err
	}
	if !aiAllowed {
		if req.Mode == datatypes.SearchModeAI {
			f.metrics.FunnelTerminal(terminalLimit)
			return nil, credits.ErrLimitReached
		}
		return f.basicResponse(ctx, userID, disc, requestID), nil
	}

	// Stage 2: rule pre-filter, then AI scouting on what remains.
	filtered := Prefilter(disc.Candidates, req.Profile)
	if len(filtered) == 0 {
		// Everything was closed, over budget, or not a restaurant. The
		// light results are still worth showing, but running the AI over
		// an empty set would only burn a credit.
		return f.basicResponse(ctx, userID, disc, requestID), nil
	}

	scouted, err := f.scout.Classify(ctx, filtered, req.Profile, req.Keyword)
	if err != nil {
		slog.Warn("scout unavailable, using deterministic fallback",
			"request_id", requestID, "error", err)
		f.metrics.AICall("scout", "fallback")
		scouted = FallbackScout(filtered, req.Profile)
	} else {
		f.metrics.AICall("scout", "success")
	}
	if len(scouted.PerfectMatches) == 0 {
		return f.decisionResponse(ctx, userID, req, filtered, scouted.Survival, requestID), nil
	}

	// Stage 3: reserve, enrich, deep-score. The reservation precedes any
	// paid per-place work so an exhausted account never triggers it.
	auth, err := f.ledger.Reserve(ctx, userID)
	if err != nil {
		if errors.Is(err, credits.ErrLimitReached) {
			if req.Mode == datatypes.SearchModeAI {
				f.metrics.FunnelTerminal(terminalLimit)
				return nil, err
			}
			return f.basicResponse(ctx, userID, disc, requestID), nil
		}
		f.metrics.FunnelTerminal(terminalError)
		return nil, fmt.Errorf("reserve credit: %w", err)
	}

	enriched := f.enrich(ctx, filtered, scouted.PerfectMatches)

	results, degraded := f.score(ctx, userID, req, enriched, requestID)

	// A pioneer run populated the cache entirely from the provider. The
	// bonus only lands when scoring ran to completion.
	pioneer := false
	if !degraded && disc.Source == datatypes.SourceAPI && disc.CacheHits == 0 {
		if err := f.ledger.GrantPioneerBonus(ctx, userID); err != nil {
			slog.Warn("pioneer bonus grant failed", "request_id", requestID, "error", err)
		} else {
			pioneer = true
		}
	}

	f.metrics.FunnelTerminal(terminalResults)
	slog.Info("funnel complete",
		"request_id", requestID,
		"source", disc.Source,
		"results", len(results),
		"degraded", degraded,
		"pioneer", pioneer,
		"tier", auth.Tier)

	return &datatypes.SearchResponse{
		Results:      results,
		Credits:      f.snapshot(ctx, userID),
		Source:       disc.Source,
		DataLevel:    datatypes.DataLevelFull,
		Degraded:     degraded,
		PioneerBonus: pioneer,
		RequestID:    requestID,
	}, nil
}

// =============================================================================
// Stages
// =============================================================================

// gate reports whether the AI stages may run for userID. Anonymous callers
// and exhausted free accounts are served the basic branch instead.
func (f *Controller) gate(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	acct, err := f.ledger.Account(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("credit gate: %w", err)
	}
	return acct.Tier == datatypes.TierPremium || acct.Remaining > 0, nil
}

// enrich fetches full details for the scout's winners, at most
// ai.MaxPerfectMatches of them. A failed detail fetch degrades that one
// place to its light record instead of failing the run.
func (f *Controller) enrich(ctx context.Context, candidates []datatypes.LightCandidate, winners []string) []datatypes.EnrichedPlace {
	byID := make(map[string]datatypes.LightCandidate, len(candidates))
	for _, c := range candidates {
		byID[c.PlaceID] = c
	}

	if len(winners) > ai.MaxPerfectMatches {
		winners = winners[:ai.MaxPerfectMatches]
	}

	enriched := make([]datatypes.EnrichedPlace, 0, len(winners))
	for _, id := range winners {
		light, ok := byID[id]
		if !ok {
			continue
		}
		detail, err := f.provider.FetchDetails(ctx, id)
		if err != nil {
			slog.Warn("detail fetch failed, serving light record",
				"place_id", id, "error", err)
			f.metrics.ProviderCall("details", "error")
			enriched = append(enriched, datatypes.EnrichedPlace{LightCandidate: light})
			continue
		}
		f.metrics.ProviderCall("details", "success")
		// Distance was computed against this query's center; the detail
		// record does not know it.
		detail.DistanceMeters = light.DistanceMeters
		enriched = append(enriched, *detail)
	}
	return enriched
}

// score runs deep scoring and assembles the final ranked results. On a
// scoring failure the reserved credit is refunded and rating-derived
// fallback scores are served with the degraded flag set.
func (f *Controller) score(ctx context.Context, userID string, req *datatypes.SearchRequest,
	enriched []datatypes.EnrichedPlace, requestID string) ([]datatypes.ScoredResult, bool) {
	scores, err := f.scorer.Score(ctx, enriched, req.Profile, req.Keyword)
	degraded := false
	if err != nil {
		slog.Warn("deep scoring failed, refunding credit",
			"request_id", requestID, "error", err)
		f.metrics.AICall("scorer", "fallback")
		if rerr := f.ledger.Refund(ctx, userID); rerr != nil {
			slog.Error("credit refund failed", "request_id", requestID, "error", rerr)
		}
		scores = FallbackScores(enriched)
		degraded = true
	} else {
		f.metrics.AICall("scorer", "success")
	}

	byID := make(map[string]datatypes.PlaceScore, len(scores))
	for _, s := range scores {
		byID[s.PlaceID] = s
	}

	results := make([]datatypes.ScoredResult, 0, len(enriched))
	for _, p := range enriched {
		s, ok := byID[p.PlaceID]
		if !ok {
			continue
		}
		// Safety flags only exist on real AI output.
		if !degraded && s.SafetyFlag {
			continue
		}
		results = append(results, datatypes.ScoredResult{Place: p, Score: s})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score.MatchScore > results[j].Score.MatchScore
	})
	if len(results) > TopResults {
		results = results[:TopResults]
	}
	return results, degraded
}

// =============================================================================
// Terminal Builders
// =============================================================================

// basicResponse serves the light candidates rating-sorted, with no AI work
// and no credit charged.
func (f *Controller) basicResponse(ctx context.Context, userID string, disc *geocache.Result, requestID string) *datatypes.SearchResponse {
	open := make([]datatypes.LightCandidate, 0, len(disc.Candidates))
	for _, c := range disc.Candidates {
		if c.BusinessStatus == datatypes.BusinessClosedPermanently {
			continue
		}
		open = append(open, c)
	}
	sortByRating(open)

	results := make([]datatypes.ScoredResult, 0, len(open))
	for _, c := range open {
		results = append(results, datatypes.ScoredResult{
			Place: datatypes.EnrichedPlace{LightCandidate: c},
		})
	}

	f.metrics.FunnelTerminal(terminalBasic)
	return &datatypes.SearchResponse{
		Results:   results,
		Credits:   f.snapshot(ctx, userID),
		Source:    disc.Source,
		DataLevel: datatypes.DataLevelLight,
		RequestID: requestID,
	}
}

// snapshot returns the caller's current credit view. Anonymous callers get
// the zero snapshot.
func (f *Controller) snapshot(ctx context.Context, userID string) datatypes.CreditSnapshot {
	if userID == "" {
		return datatypes.CreditSnapshot{Tier: datatypes.TierFree}
	}
	acct, err := f.ledger.Account(ctx, userID)
	if err != nil {
		slog.Warn("credit snapshot unavailable", "user_id", userID, "error", err)
		return datatypes.CreditSnapshot{Tier: datatypes.TierFree}
	}
	return acct.Snapshot()
}
