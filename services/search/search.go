// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package search provides the core search service for Platefinder.
//
// This package contains the main Service type that coordinates all
// components: HTTP routing, the layered geo cache, the places provider,
// the AI funnel stages, credit accounting, the cache warmer, and the
// observability infrastructure.
//
// # Usage
//
//	cfg := search.Config{Port: 12310}
//	svc, err := search.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/platefinder/platefinder/services/search/ai"
	"github.com/platefinder/platefinder/services/search/credits"
	"github.com/platefinder/platefinder/services/search/funnel"
	"github.com/platefinder/platefinder/services/search/geocache"
	"github.com/platefinder/platefinder/services/search/middleware"
	"github.com/platefinder/platefinder/services/search/observability"
	"github.com/platefinder/platefinder/services/search/places"
	"github.com/platefinder/platefinder/services/search/routes"
	"github.com/platefinder/platefinder/services/search/storage/badgerstore"
	"github.com/platefinder/platefinder/services/search/warmer"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the search service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until shutdown or error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds search service configuration options.
//
// All fields are optional with defaults applied by New(). External
// credentials (places provider, OpenAI) are read from the environment by
// their respective clients, with /run/secrets fallbacks.
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "platefinder-otel-collector:4317"
	OTelEndpoint string

	// DataDir is the embedded store's directory.
	// Default: "./data/search"
	DataDir string

	// InMemoryStore runs the embedded store without disk persistence.
	// Intended for tests and local experimentation.
	InMemoryStore bool

	// GridTTL and DocTTL are the cache layer lifetimes.
	// Defaults: 6h and 24h.
	GridTTL time.Duration
	DocTTL  time.Duration

	// WarmerDisabled turns off the background cache warmer. The warmer
	// runs by default.
	WarmerDisabled bool

	// Warmer holds warmer tuning knobs. Zero values use defaults.
	Warmer warmer.Config

	// RateLimit holds per-client limiter tuning. Zero values use defaults.
	RateLimit middleware.RateLimitConfig
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config        Config
	router        *gin.Engine
	db            *badgerstore.DB
	cache         *geocache.Cache
	ledger        *credits.Ledger
	ctrl          *funnel.Controller
	warm          *warmer.Warmer
	limiter       *middleware.RateLimiter
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new search Service with the given configuration.
//
// # Description
//
// New initializes all components in dependency order:
//
//  1. Applies default configuration for missing values.
//  2. Initializes OpenTelemetry tracing and Prometheus metrics.
//  3. Opens the embedded document store (credits and grid cache).
//  4. Creates the places provider and AI client from the environment.
//  5. Assembles the geo cache, ledger, funnel, and warmer.
//  6. Sets up HTTP routes.
//
// # Outputs
//
//   - Service: Ready-to-run search service.
//   - error: Non-nil if initialization fails. Partially initialized
//     resources are released before returning.
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	metrics := observability.InitMetrics()

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	provider, err := places.NewHTTPProvider()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create places provider: %w", err)
	}

	aiClient, err := ai.NewOpenAIClient()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create AI client: %w", err)
	}

	grid := geocache.NewBadgerGridStore(s.db)
	s.cache = geocache.New(grid, provider, metrics, geocache.Config{
		GridTTL: s.config.GridTTL,
		DocTTL:  s.config.DocTTL,
	})
	s.ledger = credits.NewLedger(s.db, metrics)
	s.ctrl = funnel.NewController(s.cache, s.ledger, aiClient, aiClient, provider, metrics)
	s.limiter = middleware.NewRateLimiter(s.config.RateLimit)

	s.warm = warmer.New(s.cache, grid, metrics, s.config.Warmer)
	if !s.config.WarmerDisabled {
		s.warm.Start()
	}

	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until shutdown or error. Cleanup
// is automatic on return.
func (s *service) Run() error {
	defer s.cleanup()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting search server", "port", s.config.Port)

	return s.router.Run(addr)
}

// Router returns the underlying Gin engine for testing. Callers must not
// modify the routes.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "platefinder-otel-collector:4317"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/search"
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (appropriate for internal networks).
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("search-service")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initStore opens the embedded document store, shared by the credit ledger
// and the grid cache layer.
func (s *service) initStore() error {
	var err error
	if s.config.InMemoryStore {
		s.db, err = badgerstore.OpenInMemoryDB()
		return err
	}
	cfg := badgerstore.DefaultConfig()
	cfg.Path = s.config.DataDir
	s.db, err = badgerstore.OpenDB(cfg)
	return err
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("search-service"))

	routes.SetupRoutes(s.router, s.ctrl, s.ledger, s.warm, s.limiter)
}

// cleanup releases all resources held by the service. Called when Run()
// exits or on initialization failure.
func (s *service) cleanup() {
	if s.warm != nil {
		s.warm.Stop()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("document store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
