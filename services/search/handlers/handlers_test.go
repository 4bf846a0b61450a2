// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platefinder/platefinder/services/search/ai"
	"github.com/platefinder/platefinder/services/search/credits"
	"github.com/platefinder/platefinder/services/search/datatypes"
	"github.com/platefinder/platefinder/services/search/funnel"
	"github.com/platefinder/platefinder/services/search/geocache"
	"github.com/platefinder/platefinder/services/search/middleware"
	"github.com/platefinder/platefinder/services/search/observability"
	"github.com/platefinder/platefinder/services/search/places"
	"github.com/platefinder/platefinder/services/search/storage/badgerstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Fixtures
// =============================================================================

type fixedProvider struct {
	results []datatypes.LightCandidate
}

func (f *fixedProvider) SearchNearby(_ context.Context, _ places.NearbyRequest) ([]datatypes.LightCandidate, error) {
	out := make([]datatypes.LightCandidate, len(f.results))
	copy(out, f.results)
	return out, nil
}

func (f *fixedProvider) FetchDetails(_ context.Context, placeID string) (*datatypes.EnrichedPlace, error) {
	for _, c := range f.results {
		if c.PlaceID == placeID {
			return &datatypes.EnrichedPlace{LightCandidate: c, Address: "1 Test St"}, nil
		}
	}
	return nil, fmt.Errorf("unknown place %s", placeID)
}

type recordingScout struct {
	lastProfile datatypes.DietaryProfile
	result      *ai.ScoutResult
}

func (r *recordingScout) Classify(_ context.Context, _ []datatypes.LightCandidate,
	profile datatypes.DietaryProfile, _ string) (*ai.ScoutResult, error) {
	r.lastProfile = profile
	return r.result, nil
}

type fixedScorer struct {
	scores []datatypes.PlaceScore
}

func (f *fixedScorer) Score(_ context.Context, _ []datatypes.EnrichedPlace,
	_ datatypes.DietaryProfile, _ string) ([]datatypes.PlaceScore, error) {
	return f.scores, nil
}

type handlerEnv struct {
	router *gin.Engine
	ledger *credits.Ledger
	scout  *recordingScout
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	db, err := badgerstore.OpenInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	provider := &fixedProvider{results: []datatypes.LightCandidate{
		{
			PlaceID:        "p1",
			Name:           "Green Garden",
			Types:          []string{"restaurant"},
			Rating:         4.4,
			BusinessStatus: datatypes.BusinessOperational,
			Location:       datatypes.Location{Lat: 40.7311, Lng: -73.9973},
		},
	}}
	scout := &recordingScout{result: &ai.ScoutResult{PerfectMatches: []string{"p1"}}}
	scorer := &fixedScorer{scores: []datatypes.PlaceScore{
		{PlaceID: "p1", MatchScore: 88, ShortReason: "fits the profile"},
	}}

	cache := geocache.New(geocache.NewMemoryGridStore(), provider, observability.NopCollector{}, geocache.Config{})
	t.Cleanup(cache.Close)
	ledger := credits.NewLedger(db, observability.NopCollector{})
	ctrl := funnel.NewController(cache, ledger, scout, scorer, provider, observability.NopCollector{})

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(middleware.IdentityMiddleware())
	v1.GET("/search", HandleSearch(ctrl))
	v1.GET("/credits", HandleGetCredits(ledger))

	return &handlerEnv{router: router, ledger: ledger, scout: scout}
}

func (e *handlerEnv) get(path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	e.router.ServeHTTP(w, req)
	return w
}

const searchPath = "/v1/search?lat=40.7308&lng=-73.9973&radius=1000&keyword=vegan"

// =============================================================================
// Search Endpoint Tests
// =============================================================================

func TestHandleSearch_Validation(t *testing.T) {
	env := newHandlerEnv(t)

	cases := []struct {
		name string
		path string
	}{
		{"missing keyword", "/v1/search?lat=40.7&lng=-73.9&radius=1000"},
		{"radius too small", "/v1/search?lat=40.7&lng=-73.9&radius=10&keyword=vegan"},
		{"radius too large", "/v1/search?lat=40.7&lng=-73.9&radius=99999&keyword=vegan"},
		{"latitude out of range", "/v1/search?lat=91&lng=-73.9&radius=1000&keyword=vegan"},
		{"bad mode", searchPath + "&mode=fancy"},
		{"non-numeric maxPrice", searchPath + "&maxPrice=expensive"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.get(tc.path, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleSearch_AuthenticatedFullResults(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.get(searchPath+"&diets=vegan,gluten_free&allergies=peanut&maxPrice=2", "user-test-001")
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, datatypes.DataLevelFull, resp.DataLevel)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "p1", resp.Results[0].Place.PlaceID)
	assert.Equal(t, 88, resp.Results[0].Score.MatchScore)

	// The flattened query profile reached the AI stage intact.
	assert.Equal(t, []string{"vegan", "gluten_free"}, env.scout.lastProfile.Diets)
	assert.Equal(t, []string{"peanut"}, env.scout.lastProfile.Allergies)
	assert.Equal(t, 2, env.scout.lastProfile.MaxPriceLevel)
}

func TestHandleSearch_AnonymousGetsLightResults(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.get(searchPath, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, datatypes.DataLevelLight, resp.DataLevel)
}

func TestHandleSearch_ExhaustedAIModeIs402(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()
	for i := 0; i < credits.DefaultFreeLimit; i++ {
		_, err := env.ledger.Reserve(ctx, "user-broke-01")
		require.NoError(t, err)
	}

	w := env.get(searchPath+"&mode=ai", "user-broke-01")
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "LIMIT_REACHED", body.Code)
	assert.NotEmpty(t, body.Message)

	// Without mode=ai the same caller degrades to the basic branch.
	w = env.get(searchPath, "user-broke-01")
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// Credits Endpoint Tests
// =============================================================================

func TestHandleGetCredits(t *testing.T) {
	env := newHandlerEnv(t)

	t.Run("requires identity", func(t *testing.T) {
		w := env.get("/v1/credits", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("reports the account snapshot", func(t *testing.T) {
		_, err := env.ledger.Reserve(context.Background(), "user-test-002")
		require.NoError(t, err)

		w := env.get("/v1/credits", "user-test-002")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Credits   datatypes.CreditSnapshot `json:"credits"`
			ResetDate string                   `json:"resetDate"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, credits.DefaultFreeLimit-1, body.Credits.Remaining)
		assert.Equal(t, datatypes.TierFree, body.Credits.Tier)
		assert.NotEmpty(t, body.ResetDate)
	})
}
