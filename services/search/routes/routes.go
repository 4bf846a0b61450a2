// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platefinder/platefinder/services/search/credits"
	"github.com/platefinder/platefinder/services/search/funnel"
	"github.com/platefinder/platefinder/services/search/handlers"
	"github.com/platefinder/platefinder/services/search/middleware"
	"github.com/platefinder/platefinder/services/search/warmer"
)

// SetupRoutes registers every route of the search service on the router.
//
// The identity middleware runs on all v1 routes; the rate limiter only on
// the search endpoint, where the provider and AI spend lives.
func SetupRoutes(router *gin.Engine, ctrl *funnel.Controller, ledger *credits.Ledger,
	warm *warmer.Warmer, limiter *middleware.RateLimiter) {

	router.GET("/health", handlers.HandleHealth())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.IdentityMiddleware())
	{
		v1.GET("/search", middleware.RateLimitMiddleware(limiter), handlers.HandleSearch(ctrl))
		v1.GET("/credits", handlers.HandleGetCredits(ledger))
		v1.POST("/warmer/run", handlers.HandleWarmNow(warm))

		// Operational administration routes
		admin := v1.Group("/admin")
		{
			admin.POST("/credits/tier", handlers.HandleSetTier(ledger))
		}
	}
}
