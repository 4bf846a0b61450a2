// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package geocache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Proximity Cache Tests
// =============================================================================

func TestProximityCache_WithinFiltersByRadius(t *testing.T) {
	cache := NewProximityCache(time.Hour)
	cache.Put(nearPlace("close", 0.001, 0)) // ~111m
	cache.Put(nearPlace("far", 0.02, 0))    // ~2.2km

	hits := cache.Within(testCenter, 500, "")
	require.Len(t, hits, 1)
	assert.Equal(t, "close", hits[0].PlaceID)
	assert.InDelta(t, 111, hits[0].DistanceMeters, 5)
}

func TestProximityCache_ExpiredEntriesDeletedOnRead(t *testing.T) {
	cache := NewProximityCache(30 * time.Minute)
	cache.Put(nearPlace("a", 0.001, 0))
	require.Equal(t, 1, cache.Len())

	// Jump past the TTL. Expiry depends only on write time, not on how
	// often the entry was read before.
	base := time.Now()
	cache.now = func() time.Time { return base.Add(31 * time.Minute) }

	hits := cache.Within(testCenter, 1000, "")
	assert.Empty(t, hits)
	assert.Equal(t, 0, cache.Len(), "expired entry must be removed by the read")
}

func TestProximityCache_ReadsDoNotExtendTTL(t *testing.T) {
	cache := NewProximityCache(30 * time.Minute)
	cache.Put(nearPlace("a", 0.001, 0))

	base := time.Now()

	// Read repeatedly just before expiry.
	cache.now = func() time.Time { return base.Add(29 * time.Minute) }
	for i := 0; i < 5; i++ {
		require.NotEmpty(t, cache.Within(testCenter, 1000, ""))
	}

	// The reads must not have pushed expiry out.
	cache.now = func() time.Time { return base.Add(31 * time.Minute) }
	assert.Empty(t, cache.Within(testCenter, 1000, ""))
}

func TestProximityCache_KeywordFilter(t *testing.T) {
	cache := NewProximityCache(time.Hour)
	sushi := nearPlace("sushi", 0.001, 0)
	sushi.Name = "Sushi Palace"
	pizza := nearPlace("pizza", 0.001, 0.001)
	pizza.Name = "Pizza Corner"
	cache.Put(sushi)
	cache.Put(pizza)

	hits := cache.Within(testCenter, 1000, "sushi")
	require.Len(t, hits, 1)
	assert.Equal(t, "sushi", hits[0].PlaceID)

	assert.Len(t, cache.Within(testCenter, 1000, ""), 2)
}

func TestProximityCache_PutRefreshesEntry(t *testing.T) {
	cache := NewProximityCache(30 * time.Minute)
	cache.Put(nearPlace("a", 0.001, 0))

	base := time.Now()
	cache.now = func() time.Time { return base.Add(25 * time.Minute) }
	cache.Put(nearPlace("a", 0.001, 0))

	// The rewrite reset the clock; the original deadline no longer applies.
	cache.now = func() time.Time { return base.Add(40 * time.Minute) }
	assert.NotEmpty(t, cache.Within(testCenter, 1000, ""))
}
