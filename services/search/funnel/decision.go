// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the decision engine: the terminals served when the
// funnel cannot produce a normal result set. None of them charge a credit.

package funnel

import (
	"context"
	"log/slog"

	"github.com/platefinder/platefinder/services/search/ai"
	"github.com/platefinder/platefinder/services/search/datatypes"
	"github.com/platefinder/platefinder/services/search/geocache"
)

// relaxedRadiusFactor widens the original radius for the last-resort
// survival query, still capped at the provider maximum.
const relaxedRadiusFactor = 3

// resolveZeroResults handles a discovery pass that produced no in-radius
// candidates.
//
// # Description
//
// Two rescue sources are tried in order: near-misses the radius filter
// discarded (nearest first), then a relaxed keyword-free provider query over
// a widened radius. Whichever yields a candidate becomes the survival
// option of a DECISION_REQUIRED terminal; if both come up empty the caller
// gets ZERO_RESULTS. Both terminals offer a radius expansion and neither
// charges a credit.
func (f *Controller) resolveZeroResults(ctx context.Context, userID string,
	req *datatypes.SearchRequest, disc *geocache.Result, requestID string) (*datatypes.SearchResponse, error) {
	resp := &datatypes.SearchResponse{
		Results:   []datatypes.ScoredResult{},
		Credits:   f.snapshot(ctx, userID),
		Source:    disc.Source,
		RequestID: requestID,
	}
	if expanded := expandedRadius(req.Radius); expanded > req.Radius {
		resp.ExpandOption = &datatypes.ExpandOption{NewRadius: expanded}
	}

	// Discarded results are provider hits just past the radius edge,
	// already sorted nearest-first.
	if len(disc.Discarded) > 0 {
		resp.Status = datatypes.StatusDecisionRequired
		resp.SurvivalOption = &datatypes.SurvivalOption{
			Candidate: disc.Discarded[0],
			Reason:    "just outside your search radius",
		}
		f.metrics.FunnelTerminal(terminalDecision)
		return resp, nil
	}

	if rescue := f.relaxedLookup(ctx, req); rescue != nil {
		resp.Status = datatypes.StatusDecisionRequired
		resp.SurvivalOption = &datatypes.SurvivalOption{
			Candidate: *rescue,
			Reason:    "nearest open option, ignoring your keyword",
		}
		f.metrics.FunnelTerminal(terminalDecision)
		return resp, nil
	}

	resp.Status = datatypes.StatusZeroResults
	f.metrics.FunnelTerminal(terminalZero)
	return resp, nil
}

// relaxedLookup runs the keyword-free widened query and returns the nearest
// candidate, or nil when even that finds nothing. Failures are absorbed;
// this path is already the last resort.
func (f *Controller) relaxedLookup(ctx context.Context, req *datatypes.SearchRequest) *datatypes.LightCandidate {
	radius := req.Radius * relaxedRadiusFactor
	if radius > datatypes.MaxSearchRadiusMeters {
		radius = datatypes.MaxSearchRadiusMeters
	}
	rescue, err := f.cache.GetCandidates(ctx, geocache.Query{
		Lat:          req.Lat,
		Lng:          req.Lng,
		RadiusMeters: radius,
	})
	if err != nil {
		slog.Warn("relaxed survival query failed", "error", err)
		return nil
	}
	return nearestCandidate(rescue.Candidates)
}

// decisionResponse is the terminal for a survival-mode scout verdict: no
// perfect matches, one compromise candidate, and a widen-radius offer. No
// credit was reserved, so none is charged.
func (f *Controller) decisionResponse(ctx context.Context, userID string,
	req *datatypes.SearchRequest, candidates []datatypes.LightCandidate,
	pick *ai.SurvivalPick, requestID string) *datatypes.SearchResponse {
	resp := &datatypes.SearchResponse{
		Results:   []datatypes.ScoredResult{},
		Credits:   f.snapshot(ctx, userID),
		Status:    datatypes.StatusDecisionRequired,
		RequestID: requestID,
	}
	if expanded := expandedRadius(req.Radius); expanded > req.Radius {
		resp.ExpandOption = &datatypes.ExpandOption{NewRadius: expanded}
	}

	if pick != nil {
		for _, c := range candidates {
			if c.PlaceID == pick.PlaceID {
				resp.SurvivalOption = &datatypes.SurvivalOption{
					Candidate: c,
					Reason:    pick.Reason,
				}
				break
			}
		}
	}
	if resp.SurvivalOption == nil {
		if nearest := nearestCandidate(candidates); nearest != nil {
			resp.SurvivalOption = &datatypes.SurvivalOption{
				Candidate: *nearest,
				Reason:    "closest candidate to your location",
			}
		}
	}

	f.metrics.FunnelTerminal(terminalDecision)
	return resp
}

// expandedRadius returns the widened radius offered by ExpandOption, capped
// at the provider maximum.
func expandedRadius(radius int) int {
	expanded := radius + datatypes.RadiusExpandIncrementMeters
	if expanded > datatypes.MaxSearchRadiusMeters {
		expanded = datatypes.MaxSearchRadiusMeters
	}
	return expanded
}
