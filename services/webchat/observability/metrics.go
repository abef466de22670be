// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the webchat
// service.
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian"

const webchatSubsystem = "webchat"

// Turn outcomes used as metric labels.
const (
	OutcomeReply    = "reply"
	OutcomeReplayed = "replayed"
	OutcomeManual   = "manual"
	OutcomeFallback = "fallback"
)

// Metrics holds all Prometheus metrics for webchat turn processing.
type Metrics struct {
	// TurnsTotal counts completed turns by outcome.
	// Labels: outcome (reply, replayed, manual, fallback)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures wall time per turn by outcome.
	TurnDurationSeconds *prometheus.HistogramVec

	// AIRoundsPerTurn measures AI calls per turn, including tool-output
	// round trips.
	AIRoundsPerTurn prometheus.Histogram

	// ToolExecutionsTotal counts tool invocations by result status.
	// Labels: status (ok, error, ignored)
	ToolExecutionsTotal *prometheus.CounterVec

	// DedupReplaysTotal counts duplicate submissions answered from the
	// ledger without an AI call.
	DedupReplaysTotal prometheus.Counter

	// ManualSuppressionsTotal counts turns suppressed by manual override.
	ManualSuppressionsTotal prometheus.Counter

	// LedgerWriteFailuresTotal counts swallowed ledger write failures.
	// Labels: direction (inbound, outbound)
	LedgerWriteFailuresTotal *prometheus.CounterVec

	// GeoLookupFailuresTotal counts failed geolocation lookups. These are
	// soft failures; the turn proceeds with partial metadata.
	GeoLookupFailuresTotal prometheus.Counter
}

// NewMetrics registers the webchat metrics on the given registerer.
// Tests should pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: webchatSubsystem,
			Name:      "turns_total",
			Help:      "Completed webchat turns by outcome.",
		}, []string{"outcome"}),
		TurnDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: webchatSubsystem,
			Name:      "turn_duration_seconds",
			Help:      "Wall time per webchat turn.",
			Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		AIRoundsPerTurn: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: webchatSubsystem,
			Name:      "ai_rounds_per_turn",
			Help:      "AI calls per turn including tool-output round trips.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		ToolExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: webchatSubsystem,
			Name:      "tool_executions_total",
			Help:      "Tool invocations by result status.",
		}, []string{"status"}),
		DedupReplaysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: webchatSubsystem,
			Name:      "dedup_replays_total",
			Help:      "Duplicate submissions answered without an AI call.",
		}),
		ManualSuppressionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: webchatSubsystem,
			Name:      "manual_suppressions_total",
			Help:      "Turns suppressed because a human operator owns the conversation.",
		}),
		LedgerWriteFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: webchatSubsystem,
			Name:      "ledger_write_failures_total",
			Help:      "Ledger write failures swallowed under the lenient write policy.",
		}, []string{"direction"}),
		GeoLookupFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: webchatSubsystem,
			Name:      "geo_lookup_failures_total",
			Help:      "Failed geolocation lookups, always soft.",
		}),
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the singleton registered on the default Prometheus
// registry.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
