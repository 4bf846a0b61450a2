// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package places provides the client for the external places-search provider.
//
// # Description
//
// The provider is the expensive collaborator the whole funnel exists to
// shield. Two call shapes are exposed:
//
//   - SearchNearby: light field mask, bulk discovery, cheap-ish.
//   - FetchDetails: rich field mask, one place at a time, expensive.
//
// Both carry a hard timeout and bounded retry with exponential backoff.
// Retries fire only for rate-limit, overload, and network-class failures;
// client errors surface immediately.
package places

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/platefinder/platefinder/services/search/datatypes"
)

// =============================================================================
// Request/Response Models
// =============================================================================

// Field masks selecting the detail level of a provider response.
const (
	FieldMaskLight = "light"
	FieldMaskRich  = "rich"
)

// NearbyRequest is one provider nearby-search call.
//
// RadiusMeters above the provider cap is rejected by Validate; callers clamp
// before building the request.
type NearbyRequest struct {
	Center       datatypes.Location
	RadiusMeters int
	Keyword      string
	MaxResults   int
	FieldMask    string
}

// Validate rejects requests the provider would refuse, before any I/O.
func (r *NearbyRequest) Validate() error {
	if r.RadiusMeters <= 0 || r.RadiusMeters > datatypes.MaxSearchRadiusMeters {
		return &Error{Code: ErrCodeInvalidRequest,
			Message: fmt.Sprintf("radius %dm outside provider bounds", r.RadiusMeters)}
	}
	if r.MaxResults <= 0 {
		r.MaxResults = 20
	}
	if r.FieldMask == "" {
		r.FieldMask = FieldMaskLight
	}
	return nil
}

// =============================================================================
// Provider Interface
// =============================================================================

// Provider is the places-search collaborator contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the geo cache, funnel,
// and warmer all share one instance.
type Provider interface {
	// SearchNearby returns up to req.MaxResults light candidates around the
	// center. Results may extend beyond the requested radius; strict radius
	// filtering is the caller's responsibility.
	SearchNearby(ctx context.Context, req NearbyRequest) ([]datatypes.LightCandidate, error)

	// FetchDetails returns the full detail record for one place.
	FetchDetails(ctx context.Context, placeID string) (*datatypes.EnrichedPlace, error)
}

// =============================================================================
// Errors
// =============================================================================

// Error codes for provider failures.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeOverloaded     = "OVERLOADED"
	ErrCodeNetwork        = "NETWORK"
	ErrCodeUpstream       = "UPSTREAM"
)

// Error is a categorized provider failure.
type Error struct {
	Code       string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("places provider: %s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("places provider: %s: %s", e.Code, e.Message)
}

// Retryable reports whether the failure class benefits from a retry.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeRateLimited, ErrCodeOverloaded, ErrCodeNetwork:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable provider or network failure.
func IsRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return false
}

// classifyStatus maps an HTTP status to a provider error code.
func classifyStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case status == http.StatusServiceUnavailable, status == http.StatusBadGateway,
		status == http.StatusGatewayTimeout:
		return ErrCodeOverloaded
	case status >= 500:
		return ErrCodeUpstream
	default:
		return ErrCodeInvalidRequest
	}
}

// =============================================================================
// Retry Helper
// =============================================================================

// Retry configuration constants.
const (
	// maxAttempts bounds provider calls per logical request.
	maxAttempts = 3

	// initialRetryDelay is the delay before the first retry. Subsequent
	// retries double it (1s, 2s).
	initialRetryDelay = 1 * time.Second

	// callTimeout is the hard per-call timeout.
	callTimeout = 60 * time.Second
)

// withRetry runs fn up to maxAttempts times with exponential backoff,
// retrying only retryable failures.
func withRetry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	retryDelay := initialRetryDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		result, err := fn(callCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("provider call failed after %d attempts: %w", maxAttempts, lastErr)
}
