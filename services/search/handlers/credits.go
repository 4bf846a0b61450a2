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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platefinder/platefinder/services/search/credits"
	"github.com/platefinder/platefinder/services/search/datatypes"
	"github.com/platefinder/platefinder/services/search/middleware"
)

// =============================================================================
// Credit Handlers
// =============================================================================

// HandleGetCredits creates the GET /v1/credits handler. Requires identity;
// anonymous callers have no account to report on.
func HandleGetCredits(ledger *credits.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		acct, err := ledger.Account(c.Request.Context(), userID)
		if err != nil {
			slog.Error("credit account lookup failed", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"credits":   acct.Snapshot(),
			"resetDate": acct.ResetDate.Format(time.RFC3339),
		})
	}
}

// tierRequest is the body of POST /v1/admin/credits/tier.
type tierRequest struct {
	UserID string `json:"userId" binding:"required"`
	Tier   string `json:"tier" binding:"required,oneof=free premium"`
}

// HandleSetTier creates the admin tier-change handler.
func HandleSetTier(ledger *credits.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req tierRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "userId and tier (free|premium) are required"})
			return
		}

		if err := ledger.SetTier(c.Request.Context(), req.UserID, datatypes.Tier(req.Tier)); err != nil {
			slog.Error("tier change failed", "user_id", req.UserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		slog.Info("tier changed", "user_id", req.UserID, "tier", req.Tier)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
