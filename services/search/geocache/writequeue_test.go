// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package geocache

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platefinder/platefinder/services/search/observability"
)

func TestWriteQueue_DrainsPendingJobsOnClose(t *testing.T) {
	q := NewWriteQueue(8, observability.NopCollector{})

	var executed atomic.Int32
	for i := 0; i < 5; i++ {
		q.Enqueue("put", func(context.Context) error {
			executed.Add(1)
			return nil
		})
	}
	q.Close()

	assert.Equal(t, int32(5), executed.Load())
}

func TestWriteQueue_EnqueueAfterCloseDropsWrite(t *testing.T) {
	q := NewWriteQueue(8, observability.NopCollector{})
	q.Close()

	var executed atomic.Int32
	assert.NotPanics(t, func() {
		q.Enqueue("late", func(context.Context) error {
			executed.Add(1)
			return nil
		})
	})
	assert.Equal(t, int32(0), executed.Load(), "a write after shutdown is dropped")

	// Close is idempotent.
	assert.NotPanics(t, q.Close)
}
