// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the per-client rate limiter. It protects the funnel's
// provider and AI spend from a single hot client; credit accounting handles
// the per-user budget separately.

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// =============================================================================
// Rate Limiter
// =============================================================================

const (
	// defaultRequestsPerSecond is the sustained per-client rate.
	defaultRequestsPerSecond = 5

	// defaultBurst allows short spikes above the sustained rate.
	defaultBurst = 10

	// limiterIdleTTL is how long an idle client's bucket is kept before
	// the sweep discards it.
	limiterIdleTTL = 10 * time.Minute
)

// RateLimitConfig holds limiter tuning knobs. Zero values use defaults.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// clientLimiter pairs a token bucket with its last use, for sweeping.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks one token bucket per client key.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter creates a limiter with the given tuning.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
	}
}

// Allow reports whether the client may proceed, consuming a token if so.
// Idle buckets are swept opportunistically while the lock is held.
func (r *RateLimiter) Allow(key string) bool {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	cl, ok := r.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.rps, r.burst)}
		r.clients[key] = cl
	}
	cl.lastSeen = now

	if len(r.clients) > 1024 {
		for k, v := range r.clients {
			if now.Sub(v.lastSeen) > limiterIdleTTL {
				delete(r.clients, k)
			}
		}
	}

	return cl.limiter.Allow()
}

// =============================================================================
// Middleware
// =============================================================================

// RateLimitMiddleware creates a Gin middleware that rejects clients
// exceeding their token bucket with 429.
//
// # Description
//
// Authenticated requests are keyed by user id, anonymous ones by client IP,
// so a NAT full of anonymous users shares one bucket but signed-in users
// behind it do not.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := UserID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !limiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, slow down",
			})
			return
		}
		c.Next()
	}
}
