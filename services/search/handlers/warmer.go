// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/platefinder/platefinder/services/search/warmer"
)

// =============================================================================
// Warmer Handler
// =============================================================================

// HandleWarmNow creates the POST /v1/admin/warm handler, which runs one
// warm cycle synchronously and reports what it did. Useful after a deploy
// or a provider outage, when waiting for the next tick is wasteful.
func HandleWarmNow(w *warmer.Warmer) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := w.RunNow(c.Request.Context())
		if err != nil {
			slog.Error("manual warm cycle failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "warm cycle failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"scanned":   result.Scanned,
			"refreshed": result.Refreshed,
			"skipped":   result.Skipped,
			"failed":    result.Failed,
			"duration":  result.Duration.String(),
		})
	}
}

// HandleHealth creates the GET /health handler.
func HandleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}
