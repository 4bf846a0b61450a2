// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package funnel

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platefinder/platefinder/services/search/ai"
	"github.com/platefinder/platefinder/services/search/credits"
	"github.com/platefinder/platefinder/services/search/datatypes"
	"github.com/platefinder/platefinder/services/search/geocache"
	"github.com/platefinder/platefinder/services/search/observability"
	"github.com/platefinder/platefinder/services/search/places"
	"github.com/platefinder/platefinder/services/search/storage/badgerstore"
)

// =============================================================================
// Test Fixtures
// =============================================================================

var testCenter = datatypes.Location{Lat: 40.7308, Lng: -73.9973}

// stubProvider serves canned nearby results and per-place details.
type stubProvider struct {
	mu          sync.Mutex
	nearby      []datatypes.LightCandidate
	nearbyErr   error
	detailErrs  map[string]error
	detailCalls int
}

func (s *stubProvider) SearchNearby(_ context.Context, _ places.NearbyRequest) ([]datatypes.LightCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nearbyErr != nil {
		return nil, s.nearbyErr
	}
	out := make([]datatypes.LightCandidate, len(s.nearby))
	copy(out, s.nearby)
	return out, nil
}

func (s *stubProvider) FetchDetails(_ context.Context, placeID string) (*datatypes.EnrichedPlace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailCalls++
	if err := s.detailErrs[placeID]; err != nil {
		return nil, err
	}
	for _, c := range s.nearby {
		if c.PlaceID == placeID {
			return &datatypes.EnrichedPlace{
				LightCandidate: c,
				Address:        "1 Test St",
				Phone:          "+1 555 0100",
			}, nil
		}
	}
	return nil, &places.Error{Code: "UPSTREAM", StatusCode: 404, Message: "unknown place"}
}

func (s *stubProvider) details() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detailCalls
}

// stubScout returns a fixed verdict.
type stubScout struct {
	result *ai.ScoutResult
	err    error
	calls  int
}

func (s *stubScout) Classify(_ context.Context, _ []datatypes.LightCandidate,
	_ datatypes.DietaryProfile, _ string) (*ai.ScoutResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// stubScorer returns fixed scores.
type stubScorer struct {
	scores []datatypes.PlaceScore
	err    error
}

func (s *stubScorer) Score(_ context.Context, _ []datatypes.EnrichedPlace,
	_ datatypes.DietaryProfile, _ string) ([]datatypes.PlaceScore, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

// testEnv wires a controller over in-memory everything.
type testEnv struct {
	ctrl     *Controller
	ledger   *credits.Ledger
	provider *stubProvider
	scout    *stubScout
	scorer   *stubScorer
}

func newTestEnv(t *testing.T, provider *stubProvider, scout *stubScout, scorer *stubScorer) *testEnv {
	t.Helper()

	db, err := badgerstore.OpenInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cache := geocache.New(geocache.NewMemoryGridStore(), provider, observability.NopCollector{}, geocache.Config{})
	t.Cleanup(cache.Close)

	ledger := credits.NewLedger(db, observability.NopCollector{})
	ctrl := NewController(cache, ledger, scout, scorer, provider, observability.NopCollector{})
	return &testEnv{ctrl: ctrl, ledger: ledger, provider: provider, scout: scout, scorer: scorer}
}

func testPlace(id string, dLat float64, rating float64) datatypes.LightCandidate {
	return datatypes.LightCandidate{
		PlaceID:        id,
		Name:           "Restaurant " + id,
		Types:          []string{"restaurant"},
		Rating:         rating,
		BusinessStatus: datatypes.BusinessOperational,
		Location: datatypes.Location{
			Lat: testCenter.Lat + dLat,
			Lng: testCenter.Lng,
		},
	}
}

func searchReq(radius int) *datatypes.SearchRequest {
	return &datatypes.SearchRequest{
		Lat:     testCenter.Lat,
		Lng:     testCenter.Lng,
		Radius:  radius,
		Keyword: "vegan",
		Mode:    datatypes.SearchModeAuto,
	}
}

// =============================================================================
// Full Pipeline Tests
// =============================================================================

func TestRun_HappyPathChargesOnceAndGrantsPioneerBonus(t *testing.T) {
	provider := &stubProvider{nearby: []datatypes.LightCandidate{
		testPlace("p1", 0.001, 4.0),
		testPlace("p2", 0.002, 4.8),
		testPlace("p3", 0.003, 3.5),
	}}
	scout := &stubScout{result: &ai.ScoutResult{PerfectMatches: []string{"p1", "p2"}}}
	scorer := &stubScorer{scores: []datatypes.PlaceScore{
		{PlaceID: "p1", MatchScore: 70, RelevanceScore: 80, ShortReason: "solid fit"},
		{PlaceID: "p2", MatchScore: 92, RelevanceScore: 95, ShortReason: "great fit"},
	}}
	env := newTestEnv(t, provider, scout, scorer)

	resp, err := env.ctrl.Run(context.Background(), "diner-1", searchReq(1000))
	require.NoError(t, err)

	assert.Empty(t, resp.Status)
	assert.Equal(t, datatypes.DataLevelFull, resp.DataLevel)
	assert.False(t, resp.Degraded)
	assert.NotEmpty(t, resp.RequestID)

	// Best match first.
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "p2", resp.Results[0].Place.PlaceID)
	assert.Equal(t, 92, resp.Results[0].Score.MatchScore)
	assert.Equal(t, "1 Test St", resp.Results[0].Place.Address)

	// One credit spent, two back for pioneering an uncached area.
	assert.True(t, resp.PioneerBonus)
	assert.Equal(t, credits.DefaultFreeLimit-1+credits.PioneerBonusCredits, resp.Credits.Remaining)
}

func TestRun_AnonymousServedBasicBranch(t *testing.T) {
	provider := &stubProvider{nearby: []datatypes.LightCandidate{
		testPlace("low", 0.001, 3.1),
		testPlace("high", 0.002, 4.9),
	}}
	scout := &stubScout{result: &ai.ScoutResult{PerfectMatches: []string{"high"}}}
	env := newTestEnv(t, provider, scout, &stubScorer{})

	resp, err := env.ctrl.Run(context.Background(), "", searchReq(1000))
	require.NoError(t, err)

	assert.Equal(t, datatypes.DataLevelLight, resp.DataLevel)
	assert.Equal(t, 0, scout.calls, "anonymous callers never reach the AI stages")
	assert.Equal(t, 0, provider.details())

	// Rating-sorted, not distance-sorted.
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "high", resp.Results[0].Place.PlaceID)
}

func TestRun_ExhaustedFreeUser(t *testing.T) {
	mkProvider := func() *stubProvider {
		return &stubProvider{nearby: []datatypes.LightCandidate{
			testPlace("p1", 0.001, 4.0),
		}}
	}

	t.Run("auto mode degrades to basic branch", func(t *testing.T) {
		scout := &stubScout{result: &ai.ScoutResult{PerfectMatches: []string{"p1"}}}
		env := newTestEnv(t, mkProvider(), scout, &stubScorer{})
		drainCredits(t, env.ledger, "broke-1")

		resp, err := env.ctrl.Run(context.Background(), "broke-1", searchReq(1000))
		require.NoError(t, err)
		assert.Equal(t, datatypes.DataLevelLight, resp.DataLevel)
		assert.Equal(t, 0, scout.calls)
		assert.Equal(t, 0, resp.Credits.Remaining)
	})

	t.Run("ai mode is refused outright", func(t *testing.T) {
		env := newTestEnv(t, mkProvider(), &stubScout{}, &stubScorer{})
		drainCredits(t, env.ledger, "broke-2")

		req := searchReq(1000)
		req.Mode = datatypes.SearchModeAI
		_, err := env.ctrl.Run(context.Background(), "broke-2", req)
		assert.ErrorIs(t, err, credits.ErrLimitReached)
	})
}

func TestRun_ScoutFailureUsesDeterministicFallback(t *testing.T) {
	provider := &stubProvider{nearby: []datatypes.LightCandidate{
		testPlace("good", 0.001, 4.7),
		testPlace("okay", 0.002, 3.9),
	}}
	scout := &stubScout{err: errors.New("model overloaded")}
	scorer := &stubScorer{scores: []datatypes.PlaceScore{
		{PlaceID: "good", MatchScore: 85},
		{PlaceID: "okay", MatchScore: 60},
	}}
	env := newTestEnv(t, provider, scout, scorer)

	resp, err := env.ctrl.Run(context.Background(), "diner-1", searchReq(1000))
	require.NoError(t, err)

	// The run still completes at full depth on the rating-ranked fallback.
	assert.Equal(t, datatypes.DataLevelFull, resp.DataLevel)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "good", resp.Results[0].Place.PlaceID)
}

func TestRun_SurvivalModeCostsNothing(t *testing.T) {
	provider := &stubProvider{nearby: []datatypes.LightCandidate{
		testPlace("meh", 0.001, 3.0),
	}}
	scout := &stubScout{result: &ai.ScoutResult{
		IsSurvivalMode: true,
		Survival:       &ai.SurvivalPick{PlaceID: "meh", Reason: "only cafe nearby without your allergens"},
	}}
	env := newTestEnv(t, provider, scout, &stubScorer{})

	resp, err := env.ctrl.Run(context.Background(), "diner-1", searchReq(1000))
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusDecisionRequired, resp.Status)
	assert.Empty(t, resp.Results)
	require.NotNil(t, resp.SurvivalOption)
	assert.Equal(t, "meh", resp.SurvivalOption.Candidate.PlaceID)
	assert.Equal(t, "only cafe nearby without your allergens", resp.SurvivalOption.Reason)
	require.NotNil(t, resp.ExpandOption)
	assert.Equal(t, 1000+datatypes.RadiusExpandIncrementMeters, resp.ExpandOption.NewRadius)
	assert.Equal(t, 0, provider.details())

	acct, err := env.ledger.Account(context.Background(), "diner-1")
	require.NoError(t, err)
	assert.Equal(t, credits.DefaultFreeLimit, acct.Remaining, "decision terminals are free")
}

func TestRun_ScorerFailureRefundsCredit(t *testing.T) {
	provider := &stubProvider{nearby: []datatypes.LightCandidate{
		testPlace("p1", 0.001, 4.0),
	}}
	scout := &stubScout{result: &ai.ScoutResult{PerfectMatches: []string{"p1"}}}
	scorer := &stubScorer{err: errors.New("model timeout")}
	env := newTestEnv(t, provider, scout, scorer)

	resp, err := env.ctrl.Run(context.Background(), "diner-1", searchReq(1000))
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	assert.False(t, resp.PioneerBonus, "no bonus when scoring did not complete")
	require.Len(t, resp.Results, 1)
	assert.Equal(t, 80, resp.Results[0].Score.MatchScore, "rating 4.0 maps to 80")

	acct, aerr := env.ledger.Account(context.Background(), "diner-1")
	require.NoError(t, aerr)
	assert.Equal(t, credits.DefaultFreeLimit, acct.Remaining, "failed scoring must be free")
}

func TestRun_EnrichmentBoundedToSixWinners(t *testing.T) {
	var lots []datatypes.LightCandidate
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i, id := range ids {
		lots = append(lots, testPlace(id, 0.0005*float64(i+1), 4.0))
	}
	provider := &stubProvider{nearby: lots}
	scout := &stubScout{result: &ai.ScoutResult{PerfectMatches: ids}}

	var scores []datatypes.PlaceScore
	for i, id := range ids {
		scores = append(scores, datatypes.PlaceScore{PlaceID: id, MatchScore: 50 + i})
	}
	env := newTestEnv(t, provider, scout, &stubScorer{scores: scores})

	resp, err := env.ctrl.Run(context.Background(), "diner-1", searchReq(2000))
	require.NoError(t, err)

	assert.LessOrEqual(t, provider.details(), ai.MaxPerfectMatches)
	assert.LessOrEqual(t, len(resp.Results), TopResults)
}

func TestRun_SafetyFlaggedPlacesExcluded(t *testing.T) {
	provider := &stubProvider{nearby: []datatypes.LightCandidate{
		testPlace("safe", 0.001, 4.0),
		testPlace("risky", 0.002, 4.5),
	}}
	scout := &stubScout{result: &ai.ScoutResult{PerfectMatches: []string{"safe", "risky"}}}
	scorer := &stubScorer{scores: []datatypes.PlaceScore{
		{PlaceID: "safe", MatchScore: 75},
		{PlaceID: "risky", MatchScore: 90, SafetyFlag: true, Warnings: []string{"shared fryer with shellfish"}},
	}}
	env := newTestEnv(t, provider, scout, scorer)

	resp, err := env.ctrl.Run(context.Background(), "diner-1", searchReq(1000))
	require.NoError(t, err)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "safe", resp.Results[0].Place.PlaceID)
}

func TestRun_DetailFetchFailureServesLightRecord(t *testing.T) {
	provider := &stubProvider{
		nearby: []datatypes.LightCandidate{
			testPlace("p1", 0.001, 4.0),
			testPlace("p2", 0.002, 4.2),
		},
		detailErrs: map[string]error{
			"p2": &places.Error{Code: "OVERLOADED", StatusCode: 503, Message: "overloaded"},
		},
	}
	scout := &stubScout{result: &ai.ScoutResult{PerfectMatches: []string{"p1", "p2"}}}
	scorer := &stubScorer{scores: []datatypes.PlaceScore{
		{PlaceID: "p1", MatchScore: 70},
		{PlaceID: "p2", MatchScore: 80},
	}}
	env := newTestEnv(t, provider, scout, scorer)

	resp, err := env.ctrl.Run(context.Background(), "diner-1", searchReq(1000))
	require.NoError(t, err)

	require.Len(t, resp.Results, 2)
	assert.Equal(t, "p2", resp.Results[0].Place.PlaceID)
	assert.Empty(t, resp.Results[0].Place.Address, "failed detail fetch degrades to light data")
	assert.Equal(t, "1 Test St", resp.Results[1].Place.Address)
}

// =============================================================================
// Decision Engine Tests
// =============================================================================

func TestRun_ZeroResultsOffersNearMiss(t *testing.T) {
	// The only candidate sits ~2.2km out; the search asks for 500m.
	provider := &stubProvider{nearby: []datatypes.LightCandidate{
		testPlace("nearby-ish", 0.02, 4.0),
	}}
	env := newTestEnv(t, provider, &stubScout{}, &stubScorer{})

	resp, err := env.ctrl.Run(context.Background(), "diner-1", searchReq(500))
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusDecisionRequired, resp.Status)
	require.NotNil(t, resp.SurvivalOption)
	assert.Equal(t, "nearby-ish", resp.SurvivalOption.Candidate.PlaceID)
	require.NotNil(t, resp.ExpandOption)
	assert.Equal(t, 500+datatypes.RadiusExpandIncrementMeters, resp.ExpandOption.NewRadius)

	acct, aerr := env.ledger.Account(context.Background(), "diner-1")
	require.NoError(t, aerr)
	assert.Equal(t, credits.DefaultFreeLimit, acct.Remaining)
}

func TestRun_ZeroResultsEverywhere(t *testing.T) {
	provider := &stubProvider{}
	env := newTestEnv(t, provider, &stubScout{}, &stubScorer{})

	resp, err := env.ctrl.Run(context.Background(), "diner-1", searchReq(500))
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusZeroResults, resp.Status)
	assert.Empty(t, resp.Results)
	assert.Nil(t, resp.SurvivalOption)
	require.NotNil(t, resp.ExpandOption)
}

func TestRun_RadiusCapSuppressesExpandOption(t *testing.T) {
	provider := &stubProvider{}
	env := newTestEnv(t, provider, &stubScout{}, &stubScorer{})

	resp, err := env.ctrl.Run(context.Background(), "diner-1", searchReq(datatypes.MaxSearchRadiusMeters))
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusZeroResults, resp.Status)
	assert.Nil(t, resp.ExpandOption, "cannot offer expansion past the provider maximum")
}

// =============================================================================
// Helpers
// =============================================================================

func drainCredits(t *testing.T, ledger *credits.Ledger, userID string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < credits.DefaultFreeLimit; i++ {
		_, err := ledger.Reserve(ctx, userID)
		require.NoError(t, err)
	}
}
