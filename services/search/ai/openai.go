// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/platefinder/platefinder/services/search/datatypes"
)

// =============================================================================
// OpenAI-backed Scout and Scorer
// =============================================================================

// Retry configuration. Retries fire only for rate-limit, overload, and
// network-class failures; malformed responses surface immediately so the
// funnel can fall back deterministically.
const (
	maxAttempts       = 3
	initialRetryDelay = 1 * time.Second
	callTimeout       = 60 * time.Second
)

// OpenAIClient implements Scout and Scorer on an OpenAI-compatible chat API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client from environment configuration.
//
// # Environment Variables
//
//   - OPENAI_API_KEY: API key. Read from /run/secrets/openai_api_key when
//     the variable is unset. Missing entirely is a hard startup failure.
//   - OPENAI_MODEL: Model name. Default: gpt-4o-mini.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found",
				"path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing AI client", "model", model)
	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// =============================================================================
// Scout Implementation
// =============================================================================

const scoutSystemPrompt = `You classify restaurants for a user with dietary constraints.
Given candidate restaurants, a dietary profile, and a search keyword, respond with JSON only:
{"perfectMatches": ["<placeId>", ...], "survivalOption": {"placeId": "...", "reason": "..."}, "isSurvivalMode": false}
Rules: at most 6 perfectMatches, ordered best first. If NOTHING fits the profile safely,
return an empty perfectMatches array, set isSurvivalMode true, and pick the single least-bad
compromise as survivalOption with a one-sentence reason. Never invent place ids.`

// Classify implements Scout.
func (o *OpenAIClient) Classify(ctx context.Context, candidates []datatypes.LightCandidate,
	profile datatypes.DietaryProfile, keyword string) (*ScoutResult, error) {

	payload := map[string]any{
		"keyword":    keyword,
		"profile":    profile,
		"candidates": candidates,
	}

	raw, err := o.complete(ctx, scoutSystemPrompt, payload)
	if err != nil {
		return nil, err
	}

	var result ScoutResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("malformed scout response: %w", err)
	}
	if len(result.PerfectMatches) > MaxPerfectMatches {
		result.PerfectMatches = result.PerfectMatches[:MaxPerfectMatches]
	}
	// Drop hallucinated ids.
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.PlaceID] = true
	}
	kept := result.PerfectMatches[:0]
	for _, id := range result.PerfectMatches {
		if known[id] {
			kept = append(kept, id)
		}
	}
	result.PerfectMatches = kept
	if result.Survival != nil && !known[result.Survival.PlaceID] {
		result.Survival = nil
	}
	if len(result.PerfectMatches) == 0 {
		result.IsSurvivalMode = true
	}

	slog.Debug("Scout classification completed",
		"perfect_matches", len(result.PerfectMatches),
		"survival_mode", result.IsSurvivalMode)
	return &result, nil
}

// =============================================================================
// Scorer Implementation
// =============================================================================

const scorerSystemPrompt = `You score restaurants for a user with dietary constraints.
Given enriched restaurant records, a dietary profile, and the user's raw query, respond with
JSON only: {"scores": [{"placeId": "...", "matchScore": 0-100, "relevanceScore": 0-100,
"safetyFlag": false, "shortReason": "...", "recommendedDish": "...", "pros": [...],
"cons": [...], "warnings": [...]}]}
Set safetyFlag true when the place poses a genuine risk for the profile's allergies.
Score every input place exactly once.`

type scorerResponse struct {
	Scores []datatypes.PlaceScore `json:"scores"`
}

// Score implements Scorer.
func (o *OpenAIClient) Score(ctx context.Context, enriched []datatypes.EnrichedPlace,
	profile datatypes.DietaryProfile, query string) ([]datatypes.PlaceScore, error) {

	payload := map[string]any{
		"query":   query,
		"profile": profile,
		"places":  enriched,
	}

	raw, err := o.complete(ctx, scorerSystemPrompt, payload)
	if err != nil {
		return nil, err
	}

	var resp scorerResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("malformed scorer response: %w", err)
	}
	if len(resp.Scores) == 0 {
		return nil, fmt.Errorf("scorer returned no scores")
	}
	for i := range resp.Scores {
		resp.Scores[i].MatchScore = clampScore(resp.Scores[i].MatchScore)
		resp.Scores[i].RelevanceScore = clampScore(resp.Scores[i].RelevanceScore)
	}
	return resp.Scores, nil
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// =============================================================================
// Completion Helper
// =============================================================================

// complete sends one JSON-mode chat completion with bounded retry.
func (o *OpenAIClient) complete(ctx context.Context, system string, payload any) (string, error) {
	userContent, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal AI payload: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: string(userContent)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var lastErr error
	retryDelay := initialRetryDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			slog.Info("Retrying AI call",
				"attempt", attempt,
				"delay", retryDelay,
				"lastError", lastErr,
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		resp, err := o.client.CreateChatCompletion(callCtx, req)
		cancel()
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("AI returned no choices")
			}
			return resp.Choices[0].Message.Content, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("AI call failed after %d attempts: %w", maxAttempts, lastErr)
}

// isRetryable reports whether the API failure class benefits from a retry.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	// Timeouts and transport failures are worth one more try.
	return !errors.Is(err, context.Canceled)
}

// Compile-time interface compliance.
var (
	_ Scout  = (*OpenAIClient)(nil)
	_ Scorer = (*OpenAIClient)(nil)
)
