// Copyright (C) 2025 Platefinder Labs (dev@platefinder.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the search
// service.
//
// # Description
//
// This package defines the Collector interface the funnel, geo cache, credit
// ledger, and warmer report through, plus the production Prometheus
// implementation. Components never keep their own mutable hit counters;
// diagnostics flow through an injected Collector so process-local state is
// never load-bearing.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "platefinder"

// Subsystem for funnel metrics.
const searchSubsystem = "search"

// =============================================================================
// Collector Interface
// =============================================================================

// Collector receives diagnostic events from the search pipeline.
//
// # Description
//
// Implementations must be safe for concurrent use and must never block: the
// collector is called on the request hot path. Counters are best-effort
// diagnostics, never consulted for correctness.
type Collector interface {
	// CacheLookup records one geo cache layer lookup outcome.
	// layer is "proximity" or "grid"; hit reports whether the layer served
	// at least one candidate.
	CacheLookup(layer string, hit bool)

	// ProviderCall records one external places provider call.
	// kind is "nearby" or "details"; outcome is "success" or "error".
	ProviderCall(kind, outcome string)

	// AICall records one AI provider call.
	// stage is "scout" or "score"; outcome is "success", "error" or "fallback".
	AICall(stage, outcome string)

	// FunnelTerminal records the terminal state of one funnel execution:
	// "results", "basic", "decision_required", "zero_results".
	FunnelTerminal(terminal string)

	// CreditOp records one ledger operation.
	// op is "reserve", "refund" or "bonus"; outcome is "ok", "denied" or "error".
	CreditOp(op, outcome string)

	// WriteQueueDrop records a cache write discarded because the background
	// queue was full.
	WriteQueueDrop()

	// WarmerCycle records one completed warming cycle.
	WarmerCycle(refreshed, failed int, duration time.Duration)
}

// =============================================================================
// Prometheus Implementation
// =============================================================================

// SearchMetrics implements Collector on Prometheus counters and histograms.
//
// # Fields
//
//   - CacheLookupsTotal: Counter by layer and result (hit/miss)
//   - ProviderCallsTotal: Counter by kind and outcome
//   - AICallsTotal: Counter by stage and outcome
//   - FunnelTerminalsTotal: Counter by terminal state
//   - CreditOpsTotal: Counter by operation and outcome
//   - WriteQueueDropsTotal: Counter of discarded async cache writes
//   - WarmerRefreshTotal: Counter by outcome (refreshed/failed)
//   - WarmerCycleSeconds: Histogram of warming cycle duration
type SearchMetrics struct {
	CacheLookupsTotal    *prometheus.CounterVec
	ProviderCallsTotal   *prometheus.CounterVec
	AICallsTotal         *prometheus.CounterVec
	FunnelTerminalsTotal *prometheus.CounterVec
	CreditOpsTotal       *prometheus.CounterVec
	WriteQueueDropsTotal prometheus.Counter
	WarmerRefreshTotal   *prometheus.CounterVec
	WarmerCycleSeconds   prometheus.Histogram
}

// DefaultMetrics is the singleton instance registered by InitMetrics().
var DefaultMetrics *SearchMetrics

// InitMetrics initializes and registers the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at startup;
// calling twice panics on duplicate registration.
//
// # Outputs
//
//   - *SearchMetrics: The initialized metrics instance.
func InitMetrics() *SearchMetrics {
	m := &SearchMetrics{
		CacheLookupsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: searchSubsystem,
			Name:      "cache_lookups_total",
			Help:      "Geo cache lookups by layer and result.",
		}, []string{"layer", "result"}),
		ProviderCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: searchSubsystem,
			Name:      "provider_calls_total",
			Help:      "Places provider calls by kind and outcome.",
		}, []string{"kind", "outcome"}),
		AICallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: searchSubsystem,
			Name:      "ai_calls_total",
			Help:      "AI classification/scoring calls by stage and outcome.",
		}, []string{"stage", "outcome"}),
		FunnelTerminalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: searchSubsystem,
			Name:      "funnel_terminals_total",
			Help:      "Funnel executions by terminal state.",
		}, []string{"terminal"}),
		CreditOpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: searchSubsystem,
			Name:      "credit_ops_total",
			Help:      "Credit ledger operations by op and outcome.",
		}, []string{"op", "outcome"}),
		WriteQueueDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: searchSubsystem,
			Name:      "write_queue_drops_total",
			Help:      "Async cache writes dropped because the queue was full.",
		}),
		WarmerRefreshTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: searchSubsystem,
			Name:      "warmer_refresh_total",
			Help:      "Cache warmer entry refreshes by outcome.",
		}, []string{"outcome"}),
		WarmerCycleSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: searchSubsystem,
			Name:      "warmer_cycle_seconds",
			Help:      "Duration of cache warming cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	DefaultMetrics = m
	return m
}

// CacheLookup implements Collector.
func (m *SearchMetrics) CacheLookup(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(layer, result).Inc()
}

// ProviderCall implements Collector.
func (m *SearchMetrics) ProviderCall(kind, outcome string) {
	m.ProviderCallsTotal.WithLabelValues(kind, outcome).Inc()
}

// AICall implements Collector.
func (m *SearchMetrics) AICall(stage, outcome string) {
	m.AICallsTotal.WithLabelValues(stage, outcome).Inc()
}

// FunnelTerminal implements Collector.
func (m *SearchMetrics) FunnelTerminal(terminal string) {
	m.FunnelTerminalsTotal.WithLabelValues(terminal).Inc()
}

// CreditOp implements Collector.
func (m *SearchMetrics) CreditOp(op, outcome string) {
	m.CreditOpsTotal.WithLabelValues(op, outcome).Inc()
}

// WriteQueueDrop implements Collector.
func (m *SearchMetrics) WriteQueueDrop() {
	m.WriteQueueDropsTotal.Inc()
}

// WarmerCycle implements Collector.
func (m *SearchMetrics) WarmerCycle(refreshed, failed int, duration time.Duration) {
	m.WarmerRefreshTotal.WithLabelValues("refreshed").Add(float64(refreshed))
	m.WarmerRefreshTotal.WithLabelValues("failed").Add(float64(failed))
	m.WarmerCycleSeconds.Observe(duration.Seconds())
}

// =============================================================================
// No-op Implementation
// =============================================================================

// NopCollector discards all events. Used in tests and as the default when
// metrics are disabled.
type NopCollector struct{}

func (NopCollector) CacheLookup(string, bool) {}
func (NopCollector) ProviderCall(string, string) {}
func (NopCollector) AICall(string, string) {}
func (NopCollector) FunnelTerminal(string) {}
func (NopCollector) CreditOp(string, string) {}
func (NopCollector) WriteQueueDrop() {}
func (NopCollector) WarmerCycle(int, int, time.Duration) {}

// Compile-time interface compliance.
var (
	_ Collector = (*SearchMetrics)(nil)
	_ Collector = NopCollector{}
)
