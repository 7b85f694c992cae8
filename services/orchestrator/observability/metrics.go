// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring agent turns.
// Metrics include:
//   - Turn counters (by outcome) and iteration histograms
//   - Retrieval stage latencies and degradation counters
//   - Gating rule decisions
//   - Tool invocation counters, latencies, and breaker transitions
//   - Active stream gauges
//
// # Integration
//
// Metrics are exposed via /metrics endpoint. Use with Prometheus + Grafana
// for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for agent metrics
const agentSubsystem = "agent"

// AgentMetrics holds all Prometheus metrics for agent turn processing.
//
// # Description
//
// Provides counters, histograms, and gauges covering the full turn
// pipeline: prefetch, retrieval, gating, generation, and tool execution.
// Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type AgentMetrics struct {
	// TurnsTotal counts completed agent turns.
	// Labels: outcome (completed, degraded, loop_aborted, error)
	TurnsTotal *prometheus.CounterVec

	// TurnIterations measures generate/tool iterations per turn.
	TurnIterations prometheus.Histogram

	// TurnDurationSeconds measures total turn duration.
	// Labels: outcome
	TurnDurationSeconds *prometheus.HistogramVec

	// RetrievalDurationSeconds measures retrieval stage latency.
	// Labels: stage (search, rerank, total)
	RetrievalDurationSeconds *prometheus.HistogramVec

	// RetrievalDegradedTotal counts degraded retrievals by reason.
	// Labels: reason (memory_store_down, reranker_down, stats_down)
	RetrievalDegradedTotal *prometheus.CounterVec

	// GatingDecisionsTotal counts gating outcomes by rule fired.
	// Labels: rule (fail_open_degraded, explicit_request, research_intent,
	// high_confidence_suppression, default_allow)
	GatingDecisionsTotal *prometheus.CounterVec

	// ToolInvocationsTotal counts tool executions.
	// Labels: tool, status (success, error, timeout, circuit_open, malformed)
	ToolInvocationsTotal *prometheus.CounterVec

	// ToolDurationSeconds measures tool invocation latency.
	// Labels: tool
	ToolDurationSeconds *prometheus.HistogramVec

	// BreakerTransitionsTotal counts circuit state changes.
	// Labels: tool, state (open, half_open, closed)
	BreakerTransitionsTotal *prometheus.CounterVec

	// LoopAbortsTotal counts loop detector aborts.
	// Labels: kind (repeat, cycle)
	LoopAbortsTotal *prometheus.CounterVec

	// ActiveStreams tracks currently active streaming connections.
	ActiveStreams prometheus.Gauge

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of AgentMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *AgentMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics against the default
// registry. Should be called once at application startup.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *AgentMetrics {
	DefaultMetrics = NewAgentMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewAgentMetrics creates metrics registered against the given
// registerer. Tests pass an isolated registry.
func NewAgentMetrics(reg prometheus.Registerer) *AgentMetrics {
	factory := promauto.With(reg)

	return &AgentMetrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "turns_total",
				Help:      "Total agent turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "turn_iterations",
				Help:      "Generate/tool iterations per turn",
				Buckets:   []float64{1, 2, 3, 5, 8, 10},
			},
		),

		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		RetrievalDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "retrieval_duration_seconds",
				Help:      "Retrieval stage latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"stage"},
		),

		RetrievalDegradedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "retrieval_degraded_total",
				Help:      "Degraded retrievals by reason",
			},
			[]string{"reason"},
		),

		GatingDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "gating_decisions_total",
				Help:      "Gating outcomes by rule fired",
			},
			[]string{"rule"},
		),

		ToolInvocationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "tool_invocations_total",
				Help:      "Tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "tool_duration_seconds",
				Help:      "Tool invocation latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"tool"},
		),

		BreakerTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"tool", "state"},
		),

		LoopAbortsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "loop_aborts_total",
				Help:      "Loop detector aborts by kind",
			},
			[]string{"kind"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),
	}
}

// =============================================================================
// Turn Outcomes
// =============================================================================

// TurnOutcome labels a finished turn for metrics.
type TurnOutcome string

const (
	// TurnCompleted indicates a normal completion.
	TurnCompleted TurnOutcome = "completed"

	// TurnDegraded indicates completion with degraded dependencies.
	TurnDegraded TurnOutcome = "degraded"

	// TurnLoopAborted indicates the loop detector stopped the turn.
	TurnLoopAborted TurnOutcome = "loop_aborted"

	// TurnError indicates the turn failed.
	TurnError TurnOutcome = "error"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a finished turn.
//
// # Inputs
//
//   - outcome: How the turn ended.
//   - iterations: Generate/tool iterations consumed.
//   - seconds: Total turn duration in seconds.
func (m *AgentMetrics) RecordTurn(outcome TurnOutcome, iterations int, seconds float64) {
	m.TurnsTotal.WithLabelValues(string(outcome)).Inc()
	m.TurnIterations.Observe(float64(iterations))
	m.TurnDurationSeconds.WithLabelValues(string(outcome)).Observe(seconds)
}

// RecordRetrieval records retrieval stage latencies and degradation.
func (m *AgentMetrics) RecordRetrieval(searchSeconds, rerankSeconds, totalSeconds float64,
	degradedReasons []string) {
	m.RetrievalDurationSeconds.WithLabelValues("search").Observe(searchSeconds)
	if rerankSeconds > 0 {
		m.RetrievalDurationSeconds.WithLabelValues("rerank").Observe(rerankSeconds)
	}
	m.RetrievalDurationSeconds.WithLabelValues("total").Observe(totalSeconds)
	for _, reason := range degradedReasons {
		m.RetrievalDegradedTotal.WithLabelValues(reason).Inc()
	}
}

// RecordGatingDecision records which gating rule fired.
func (m *AgentMetrics) RecordGatingDecision(rule string) {
	m.GatingDecisionsTotal.WithLabelValues(rule).Inc()
}

// RecordToolInvocation records one tool execution.
//
// # Inputs
//
//   - tool: Tool name.
//   - status: One of success, error, timeout, circuit_open, malformed.
//   - seconds: Invocation latency in seconds.
func (m *AgentMetrics) RecordToolInvocation(tool, status string, seconds float64) {
	m.ToolInvocationsTotal.WithLabelValues(tool, status).Inc()
	if status == "success" {
		m.ToolDurationSeconds.WithLabelValues(tool).Observe(seconds)
	}
}

// RecordBreakerTransition records a circuit state change.
func (m *AgentMetrics) RecordBreakerTransition(tool, state string) {
	m.BreakerTransitionsTotal.WithLabelValues(tool, state).Inc()
}

// RecordLoopAbort records a loop detector abort.
func (m *AgentMetrics) RecordLoopAbort(kind string) {
	m.LoopAbortsTotal.WithLabelValues(kind).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *AgentMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *AgentMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTokens records token usage.
func (m *AgentMetrics) RecordTokens(inputTokens, outputTokens int, model string) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}
