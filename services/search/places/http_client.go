// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package places

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/platefinder/platefinder/services/search/datatypes"
)

// =============================================================================
// HTTP Provider
// =============================================================================

// HTTPProvider talks to the places provider over its JSON HTTP API.
//
// # Description
//
// The provider's loosely-typed payloads are decoded at this boundary into
// explicit tagged models (wireCandidate, wireDetails); optional fields are
// pointers so "absent" and "zero" stay distinguishable. Nothing outside this
// file sees the wire shapes.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider client from environment configuration.
//
// # Environment Variables
//
//   - PLACES_API_URL: Provider base URL (required).
//   - PLACES_API_KEY: API key. Read from /run/secrets/places_api_key when
//     the variable is unset.
//
// # Outputs
//
//   - *HTTPProvider: Ready to use.
//   - error: Non-nil when the base URL or key is missing. A missing
//     credential is unrecoverable and should fail startup.
func NewHTTPProvider() (*HTTPProvider, error) {
	baseURL := strings.TrimRight(os.Getenv("PLACES_API_URL"), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("PLACES_API_URL environment variable not set")
	}

	apiKey := os.Getenv("PLACES_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/places_api_key"
		keyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			slog.Error("PLACES_API_KEY environment variable not set and secret not found",
				"path", secretPath)
			return nil, fmt.Errorf("PLACES_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		slog.Info("Read the places API key from container secrets")
	}

	slog.Info("Initializing places provider client", "base_url", baseURL)
	return &HTTPProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: callTimeout},
	}, nil
}

// =============================================================================
// Wire Models
// =============================================================================

// wireCandidate is the provider's nearby-search candidate shape.
type wireCandidate struct {
	ID              string     `json:"id"`
	DisplayName     string     `json:"displayName"`
	Types           []string   `json:"types"`
	Rating          *float64   `json:"rating"`
	UserRatingCount *int       `json:"userRatingCount"`
	Location        wireLatLng `json:"location"`
	PriceLevel      *int       `json:"priceLevel"`
	BusinessStatus  *string    `json:"businessStatus"`
}

type wireLatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type wireNearbyResponse struct {
	Places []wireCandidate `json:"places"`
}

// wireDetails is the provider's rich place-details shape.
type wireDetails struct {
	wireCandidate
	FormattedAddress *string  `json:"formattedAddress"`
	PhoneNumber      *string  `json:"internationalPhoneNumber"`
	WebsiteURI       *string  `json:"websiteUri"`
	OpeningHours     []string `json:"weekdayDescriptions"`
	PhotoRefs        []string `json:"photoRefs"`
	EditorialSummary *string  `json:"editorialSummary"`
}

func (w *wireCandidate) toLight() datatypes.LightCandidate {
	c := datatypes.LightCandidate{
		PlaceID:  w.ID,
		Name:     w.DisplayName,
		Types:    w.Types,
		Location: datatypes.Location{Lat: w.Location.Latitude, Lng: w.Location.Longitude},
	}
	if w.Rating != nil {
		c.Rating = *w.Rating
	}
	if w.UserRatingCount != nil {
		c.UserRatingCount = *w.UserRatingCount
	}
	if w.PriceLevel != nil {
		c.PriceLevel = *w.PriceLevel
	}
	if w.BusinessStatus != nil {
		c.BusinessStatus = *w.BusinessStatus
	}
	return c
}

// =============================================================================
// Provider Interface Methods
// =============================================================================

// SearchNearby implements Provider.
func (p *HTTPProvider) SearchNearby(ctx context.Context, req NearbyRequest) ([]datatypes.LightCandidate, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"locationRestriction": map[string]any{
			"circle": map[string]any{
				"center": map[string]float64{
					"latitude":  req.Center.Lat,
					"longitude": req.Center.Lng,
				},
				"radius": float64(req.RadiusMeters),
			},
		},
		"keyword":        req.Keyword,
		"maxResultCount": req.MaxResults,
	}

	return withRetry(ctx, func(ctx context.Context) ([]datatypes.LightCandidate, error) {
		body, err := p.post(ctx, "/v1/places:searchNearby", req.FieldMask, payload)
		if err != nil {
			return nil, err
		}
		var resp wireNearbyResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, &Error{Code: ErrCodeUpstream,
				Message: fmt.Sprintf("malformed nearby response: %v", err)}
		}
		candidates := make([]datatypes.LightCandidate, 0, len(resp.Places))
		for i := range resp.Places {
			candidates = append(candidates, resp.Places[i].toLight())
		}
		slog.Debug("Places nearby search completed",
			"count", len(candidates), "radius_m", req.RadiusMeters)
		return candidates, nil
	})
}

// FetchDetails implements Provider.
func (p *HTTPProvider) FetchDetails(ctx context.Context, placeID string) (*datatypes.EnrichedPlace, error) {
	if placeID == "" {
		return nil, &Error{Code: ErrCodeInvalidRequest, Message: "empty place id"}
	}

	return withRetry(ctx, func(ctx context.Context) (*datatypes.EnrichedPlace, error) {
		body, err := p.get(ctx, "/v1/places/"+placeID, FieldMaskRich)
		if err != nil {
			return nil, err
		}
		var wire wireDetails
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, &Error{Code: ErrCodeUpstream,
				Message: fmt.Sprintf("malformed details response: %v", err)}
		}
		enriched := &datatypes.EnrichedPlace{
			LightCandidate: wire.toLight(),
			OpeningHours:   wire.OpeningHours,
			PhotoRefs:      wire.PhotoRefs,
		}
		if wire.FormattedAddress != nil {
			enriched.Address = *wire.FormattedAddress
		}
		if wire.PhoneNumber != nil {
			enriched.Phone = *wire.PhoneNumber
		}
		if wire.WebsiteURI != nil {
			enriched.Website = *wire.WebsiteURI
		}
		if wire.EditorialSummary != nil {
			enriched.Summary = *wire.EditorialSummary
		}
		return enriched, nil
	})
}

// =============================================================================
// HTTP Helpers
// =============================================================================

func (p *HTTPProvider) post(ctx context.Context, path, fieldMask string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal provider request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, fieldMask)
}

func (p *HTTPProvider) get(ctx context.Context, path, fieldMask string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	return p.do(req, fieldMask)
}

func (p *HTTPProvider) do(req *http.Request, fieldMask string) ([]byte, error) {
	req.Header.Set("X-Api-Key", p.apiKey)
	req.Header.Set("X-Field-Mask", fieldMask)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Code: ErrCodeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &Error{Code: ErrCodeNetwork, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Code:       classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}

// Compile-time interface compliance.
var _ Provider = (*HTTPProvider)(nil)
