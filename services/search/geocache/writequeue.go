// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package geocache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/platefinder/platefinder/services/search/observability"
)

// =============================================================================
// Background Write Queue
// =============================================================================

// writeJob is one deferred cache write.
type writeJob struct {
	name string
	fn   func(ctx context.Context) error
}

// WriteQueue executes cache writes off the request path.
//
// # Description
//
// Cache writes are fire-and-forget: they must never delay or fail a search
// response. Rather than spawning an unbounded goroutine per write, writes
// go through this bounded queue so failures stay observable (logged and
// counted) without ever applying backpressure to requests. When the queue
// is full the write is dropped and counted; a dropped cache write only
// costs a future cache miss.
//
// # Thread Safety
//
// Enqueue is safe for concurrent use, including concurrently with Close;
// writes arriving after Close are dropped rather than accepted.
type WriteQueue struct {
	jobs    chan writeJob
	metrics observability.Collector
	wg      sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// writeJobTimeout bounds each deferred write. A stuck store write must not
// wedge the worker.
const writeJobTimeout = 10 * time.Second

// NewWriteQueue creates and starts a write queue with the given capacity.
func NewWriteQueue(capacity int, metrics observability.Collector) *WriteQueue {
	if capacity <= 0 {
		capacity = 256
	}
	q := &WriteQueue{
		jobs:    make(chan writeJob, capacity),
		metrics: metrics,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue submits a write. Never blocks: when the queue is full, or already
// closed, the write is dropped, logged, and counted. A request that races
// shutdown loses its cache write, nothing more.
func (q *WriteQueue) Enqueue(name string, fn func(ctx context.Context) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.metrics.WriteQueueDrop()
		slog.Warn("Cache write dropped, queue closed", "job", name)
		return
	}
	select {
	case q.jobs <- writeJob{name: name, fn: fn}:
	default:
		q.metrics.WriteQueueDrop()
		slog.Warn("Cache write dropped, queue full", "job", name)
	}
}

// Close stops accepting writes, drains pending jobs, and waits for the
// worker to finish. Safe to call more than once.
func (q *WriteQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.jobs)
		q.mu.Unlock()
	})
	q.wg.Wait()
}

func (q *WriteQueue) run() {
	defer q.wg.Done()
	for job := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), writeJobTimeout)
		if err := job.fn(ctx); err != nil {
			// Cache write failures are always non-fatal.
			slog.Warn("Cache write failed", "job", job.name, "error", err)
		}
		cancel()
	}
}
