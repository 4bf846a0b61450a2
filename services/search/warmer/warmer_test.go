// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package warmer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platefinder/platefinder/services/search/datatypes"
	"github.com/platefinder/platefinder/services/search/geocache"
	"github.com/platefinder/platefinder/services/search/observability"
	"github.com/platefinder/platefinder/services/search/places"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type countingProvider struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *countingProvider) SearchNearby(_ context.Context, req places.NearbyRequest) ([]datatypes.LightCandidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return []datatypes.LightCandidate{{
		PlaceID:        fmt.Sprintf("place-%d", p.calls),
		Name:           "Warmed Place",
		Types:          []string{"restaurant"},
		BusinessStatus: datatypes.BusinessOperational,
		Location:       req.Center,
	}}, nil
}

func (p *countingProvider) FetchDetails(_ context.Context, _ string) (*datatypes.EnrichedPlace, error) {
	return nil, errors.New("not used by the warmer")
}

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func gridEntry(lat float64, expiresIn time.Duration, lastAccess time.Time) *geocache.GridEntry {
	return &geocache.GridEntry{
		Params:       geocache.SearchParams{Lat: lat, Lng: -73.9, RadiusMeters: 1000, Keyword: "vegan"},
		Places:       []datatypes.LightCandidate{{PlaceID: "old"}},
		ExpiresAt:    time.Now().Add(expiresIn),
		LastAccessed: lastAccess,
	}
}

func newTestWarmer(t *testing.T, provider places.Provider, cfg Config) (*Warmer, *geocache.MemoryGridStore) {
	t.Helper()
	store := geocache.NewMemoryGridStore()
	cache := geocache.New(store, provider, observability.NopCollector{}, geocache.Config{})
	t.Cleanup(cache.Close)
	return New(cache, store, observability.NopCollector{}, cfg), store
}

// =============================================================================
// Cycle Tests
// =============================================================================

func TestRunNow_RefreshesExpiringEntries(t *testing.T) {
	provider := &countingProvider{}
	w, store := newTestWarmer(t, provider, Config{})
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Put(ctx, "t1", gridEntry(40.1, 30*time.Minute, now)))
	require.NoError(t, store.Put(ctx, "t2", gridEntry(40.2, 45*time.Minute, now)))
	// Well past the lookahead window; not due.
	require.NoError(t, store.Put(ctx, "t3", gridEntry(40.3, 5*time.Hour, now)))

	result, err := w.RunNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Refreshed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 2, provider.callCount())
}

func TestRunNow_SkipsStaleEntries(t *testing.T) {
	provider := &countingProvider{}
	w, store := newTestWarmer(t, provider, Config{})
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Put(ctx, "fresh", gridEntry(40.1, 30*time.Minute, now.Add(-time.Hour))))
	require.NoError(t, store.Put(ctx, "stale", gridEntry(40.2, 30*time.Minute, now.Add(-15*24*time.Hour))))

	result, err := w.RunNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Refreshed)
	assert.Equal(t, 1, result.Skipped, "unread-for-two-weeks entries lapse instead of refreshing")
	assert.Equal(t, 1, provider.callCount())
}

func TestRunNow_BatchCapRefreshesSoonestExpiringFirst(t *testing.T) {
	provider := &countingProvider{}
	w, store := newTestWarmer(t, provider, Config{BatchSize: 2})
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 5; i++ {
		token := fmt.Sprintf("t%d", i)
		expiresIn := time.Duration(10+i*10) * time.Minute
		require.NoError(t, store.Put(ctx, token, gridEntry(40.0+float64(i)*0.1, expiresIn, now)))
	}

	result, err := w.RunNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Refreshed)
	assert.Equal(t, 3, result.Skipped)
	assert.Equal(t, 2, provider.callCount())
}

func TestRunNow_FailuresDoNotAbortCycle(t *testing.T) {
	provider := &countingProvider{err: errors.New("quota exceeded")}
	w, store := newTestWarmer(t, provider, Config{})
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Put(ctx, "t1", gridEntry(40.1, 30*time.Minute, now)))
	require.NoError(t, store.Put(ctx, "t2", gridEntry(40.2, 40*time.Minute, now)))

	result, err := w.RunNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Refreshed)
	assert.Equal(t, 2, result.Failed)
	assert.Len(t, result.Errors, 2)
}

func TestRunNow_EmptyStoreIsANoOp(t *testing.T) {
	provider := &countingProvider{}
	w, _ := newTestWarmer(t, provider, Config{})

	result, err := w.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.Scanned)
	assert.Equal(t, 0, provider.callCount())
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestStartStop(t *testing.T) {
	provider := &countingProvider{}
	w, _ := newTestWarmer(t, provider, Config{Interval: time.Hour})

	w.Start()
	w.Start() // idempotent
	w.Stop()
	w.Stop() // idempotent
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 10*time.Minute, cfg.Interval)
	assert.Equal(t, 60*time.Minute, cfg.Lookahead)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 14*24*time.Hour, cfg.StalenessWindow)
}
