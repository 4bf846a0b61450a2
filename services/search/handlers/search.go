// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides HTTP handlers for the search service.
//
// Handlers are closures over their dependencies, returning gin.HandlerFunc.
// They translate between the HTTP surface and the funnel, ledger, and
// warmer; no business logic lives here.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/platefinder/platefinder/services/search/credits"
	"github.com/platefinder/platefinder/services/search/datatypes"
	"github.com/platefinder/platefinder/services/search/funnel"
	"github.com/platefinder/platefinder/services/search/middleware"
	"github.com/platefinder/platefinder/services/search/places"
)

// =============================================================================
// Search Handler
// =============================================================================

// HandleSearch creates the GET /v1/search handler.
//
// # Description
//
// Binds and validates the query parameters, resolves the caller's identity,
// and runs the discovery funnel. Status mapping:
//
//   - 200: Normal results, basic branch, DECISION_REQUIRED, ZERO_RESULTS.
//   - 400: Malformed or out-of-range parameters.
//   - 402: mode=ai requested by a free caller with no credits remaining.
//   - 502: The places provider failed with nothing cached to serve.
//   - 500: Anything else.
//
// # Inputs
//
//   - ctrl: Funnel controller. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Handler ready for route registration.
func HandleSearch(ctrl *funnel.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := bindSearchRequest(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		userID := middleware.UserID(c)
		resp, err := ctrl.Run(c.Request.Context(), userID, req)
		if err != nil {
			writeSearchError(c, err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

// bindSearchRequest decodes and validates the query parameters, including
// the flattened dietary profile.
func bindSearchRequest(c *gin.Context) (*datatypes.SearchRequest, error) {
	var req datatypes.SearchRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		return nil, errors.New("malformed query parameters")
	}
	if req.Mode == "" {
		req.Mode = datatypes.SearchModeAuto
	}

	req.Profile.Diets = splitCSV(c.Query("diets"))
	req.Profile.Allergies = splitCSV(c.Query("allergies"))
	if raw := c.Query("maxPrice"); raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("invalid maxPrice: not a number")
		}
		req.Profile.MaxPriceLevel = level
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// writeSearchError maps funnel errors onto HTTP statuses.
func writeSearchError(c *gin.Context, err error) {
	if errors.Is(err, credits.ErrLimitReached) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"code":    "LIMIT_REACHED",
			"message": "monthly AI search allowance exhausted; retry with mode=auto for basic results",
		})
		return
	}

	var provErr *places.Error
	if errors.As(err, &provErr) {
		slog.Error("search failed upstream", "code", provErr.Code, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "UPSTREAM_UNAVAILABLE",
			"message": "the places provider is unavailable and nothing was cached for this area",
		})
		return
	}

	slog.Error("search failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// splitCSV splits a comma-separated query value, trimming blanks.
func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
