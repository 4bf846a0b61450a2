// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command searchd starts the Platefinder search HTTP server.
//
// This is the main entry point for the containerized search service. It
// reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - SEARCH_PORT: HTTP server port (default: 12310)
//   - SEARCH_DATA_DIR: Embedded store directory (default: ./data/search)
//   - PLACES_API_URL: Places provider base URL (required)
//   - PLACES_API_KEY: Places provider API key (or /run/secrets/places_api_key)
//   - OPENAI_API_KEY: AI backend key (or /run/secrets/openai_api_key)
//   - OPENAI_MODEL: AI model name (default: gpt-4o-mini)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: platefinder-otel-collector:4317)
//   - WARMER_ENABLED: Background cache warmer toggle (default: true)
//
// # Usage
//
//	# Build
//	go build -o searchd ./cmd/searchd
//
//	# Run
//	./searchd
//
//	# Or via container
//	podman-compose up searchd
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/platefinder/platefinder/pkg/logging"
	"github.com/platefinder/platefinder/services/search"
)

func main() {
	// Setup structured logging
	logger := logging.New(logging.Config{
		Service: "searchd",
		LogDir:  os.Getenv("SEARCH_LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := search.Config{
		Port:           getEnvInt("SEARCH_PORT", 12310),
		DataDir:        getEnvString("SEARCH_DATA_DIR", "./data/search"),
		OTelEndpoint:   getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "platefinder-otel-collector:4317"),
		WarmerDisabled: !getEnvBool("WARMER_ENABLED", true),
	}

	slog.Info("Starting search service",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"warmer_enabled", !cfg.WarmerDisabled,
	)

	svc, err := search.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create search service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Search service error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
