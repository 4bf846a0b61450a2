// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package warmer proactively refreshes grid cache entries that are about to
// expire, so popular areas keep serving from cache instead of taking a
// provider round trip on the next request.
//
// Refreshes replay the entry's original search parameters through the geo
// cache with the cache layers bypassed. The warmer never touches credit
// accounts; it performs no scoring, only discovery.
package warmer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/platefinder/platefinder/services/search/geocache"
	"github.com/platefinder/platefinder/services/search/observability"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// defaultInterval is how often a warm cycle runs.
	defaultInterval = 10 * time.Minute

	// defaultLookahead is how far before expiry an entry becomes a refresh
	// candidate.
	defaultLookahead = 60 * time.Minute

	// defaultBatchSize caps refreshes per cycle, bounding provider spend.
	defaultBatchSize = 5

	// defaultStalenessWindow is how long an entry may go unread before the
	// warmer stops refreshing it and lets it lapse.
	defaultStalenessWindow = 14 * 24 * time.Hour
)

// Config holds warmer tuning knobs. Zero values use defaults.
type Config struct {
	Interval        time.Duration
	Lookahead       time.Duration
	BatchSize       int
	StalenessWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Lookahead <= 0 {
		c.Lookahead = defaultLookahead
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = defaultStalenessWindow
	}
	return c
}

// =============================================================================
// Warmer
// =============================================================================

// CycleResult summarizes one warm cycle.
type CycleResult struct {
	Scanned   int
	Refreshed int
	Skipped   int
	Failed    int
	Errors    []error
	Duration  time.Duration
}

// Warmer is the background refresh scheduler.
//
// # Thread Safety
//
// Start, Stop, and RunNow are safe to call from any goroutine. Start is
// idempotent; Stop blocks until the loop goroutine has exited.
type Warmer struct {
	cache   *geocache.Cache
	store   geocache.GridStore
	metrics observability.Collector
	cfg     Config

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	now func() time.Time
}

// New creates a warmer over the given cache and grid store.
//
// # Inputs
//
//   - cache: Geo cache used to replay searches. Must not be nil.
//   - store: Grid store scanned for expiring entries. Must be the same
//     store the cache writes to.
//   - metrics: Diagnostic collector. Pass observability.NopCollector{} to
//     disable.
//   - cfg: Tuning knobs. Zero values use defaults.
func New(cache *geocache.Cache, store geocache.GridStore, metrics observability.Collector, cfg Config) *Warmer {
	return &Warmer{
		cache:   cache,
		store:   store,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start launches the background loop. Subsequent calls are no-ops.
func (w *Warmer) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.run()
		slog.Info("cache warmer started",
			"interval", w.cfg.Interval,
			"lookahead", w.cfg.Lookahead,
			"batch_size", w.cfg.BatchSize)
	})
}

// Stop terminates the loop and waits for an in-flight cycle to finish.
func (w *Warmer) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		slog.Info("cache warmer stopped")
	})
}

func (w *Warmer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Interval)
			result, err := w.RunNow(ctx)
			cancel()
			if err != nil {
				slog.Error("warm cycle failed", "error", err)
				continue
			}
			if result.Refreshed > 0 || result.Failed > 0 {
				slog.Info("warm cycle complete",
					"scanned", result.Scanned,
					"refreshed", result.Refreshed,
					"skipped", result.Skipped,
					"failed", result.Failed,
					"duration", result.Duration)
			}
		case <-w.done:
			return
		}
	}
}

// RunNow executes one warm cycle synchronously.
//
// # Description
//
// Scans the grid store for entries expiring within the lookahead window,
// drops entries unread for longer than the staleness window, and refreshes
// the soonest-expiring ones up to the batch cap by replaying their original
// search parameters with the cache layers bypassed. A refresh failure is
// recorded and the cycle moves on; one bad cell never blocks the rest.
func (w *Warmer) RunNow(ctx context.Context) (*CycleResult, error) {
	start := w.now()
	result := &CycleResult{}

	due, skipped, err := w.collectDue(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan grid store: %w", err)
	}
	result.Scanned = len(due) + skipped
	result.Skipped = skipped

	if len(due) > w.cfg.BatchSize {
		result.Skipped += len(due) - w.cfg.BatchSize
		due = due[:w.cfg.BatchSize]
	}

	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.refresh(ctx, d); err != nil {
			slog.Warn("grid refresh failed", "token", d.token, "error", err)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("refresh %s: %w", d.token, err))
			continue
		}
		result.Refreshed++
	}

	result.Duration = w.now().Sub(start)
	w.metrics.WarmerCycle(result.Refreshed, result.Failed, result.Duration)
	return result, nil
}

// =============================================================================
// Cycle Internals
// =============================================================================

type dueEntry struct {
	token string
	entry *geocache.GridEntry
}

// collectDue returns entries expiring within the lookahead window, soonest
// first, along with the count of entries skipped for staleness.
func (w *Warmer) collectDue(ctx context.Context) ([]dueEntry, int, error) {
	now := w.now()
	horizon := now.Add(w.cfg.Lookahead)

	var due []dueEntry
	skipped := 0
	err := w.store.Scan(ctx, func(token string, entry *geocache.GridEntry) bool {
		if entry.ExpiresAt.After(horizon) {
			return true
		}
		if now.Sub(entry.LastAccessed) > w.cfg.StalenessWindow {
			skipped++
			return true
		}
		due = append(due, dueEntry{token: token, entry: entry})
		return true
	})
	if err != nil {
		return nil, 0, err
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].entry.ExpiresAt.Before(due[j].entry.ExpiresAt)
	})
	return due, skipped, nil
}

// refresh replays the entry's original parameters through the cache with
// ForceRefresh set, so the provider is always consulted and the write-back
// path repopulates both layers.
func (w *Warmer) refresh(ctx context.Context, d dueEntry) error {
	_, err := w.cache.GetCandidates(ctx, geocache.Query{
		Lat:          d.entry.Params.Lat,
		Lng:          d.entry.Params.Lng,
		RadiusMeters: d.entry.Params.RadiusMeters,
		Keyword:      d.entry.Params.Keyword,
		ForceRefresh: true,
	})
	return err
}
