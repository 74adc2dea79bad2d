// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the research API's Prometheus metrics.
//
// # Description
//
// Request-level metrics live here; per-stage timings come from the
// executor's OpenTelemetry meter and reach the same /metrics endpoint
// through the OTel Prometheus exporter. Metrics include:
//   - Request counters (by endpoint and outcome)
//   - Session lifecycle counters (started, resumed)
//   - Active event-stream gauge
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace  = "aleutian"
	researchSubsystem = "research"
)

// Endpoint labels a route.
type Endpoint string

const (
	EndpointStart  Endpoint = "start"
	EndpointStatus Endpoint = "status"
	EndpointResume Endpoint = "resume"
	EndpointEvents Endpoint = "events"
)

// Outcome labels how a request ended.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeValidation Outcome = "validation"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeConflict   Outcome = "conflict"
	OutcomeInternal   Outcome = "internal"
)

// ResearchMetrics holds the API's Prometheus collectors.
//
// # Fields
//
//   - RequestsTotal: requests by endpoint and outcome
//   - RequestDurationSeconds: handler latency by endpoint
//   - SessionsStartedTotal: sessions accepted by POST /v1/research
//   - ResumesTotal: resume commands accepted
//   - ActiveStreams: open websocket event streams
type ResearchMetrics struct {
	RequestsTotal          *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	SessionsStartedTotal   prometheus.Counter
	ResumesTotal           prometheus.Counter
	ActiveStreams          prometheus.Gauge
}

// NewResearchMetrics creates the collectors and registers them with reg.
//
// # Inputs
//
//   - reg: Registry to register with. nil means the default registry.
//
// # Limitations
//
//   - Panics on duplicate registration, like promauto.
func NewResearchMetrics(reg prometheus.Registerer) *ResearchMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &ResearchMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "requests_total",
				Help:      "Total research API requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: researchSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Research API handler latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"endpoint"},
		),
		SessionsStartedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: researchSubsystem,
			Name:      "sessions_started_total",
			Help:      "Research sessions started",
		}),
		ResumesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: researchSubsystem,
			Name:      "resumes_total",
			Help:      "Clarification answers accepted",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: researchSubsystem,
			Name:      "active_event_streams",
			Help:      "Open websocket event streams",
		}),
	}
}

// RecordRequest counts one request. A nil receiver is a no-op so
// handlers work without metrics.
func (m *ResearchMetrics) RecordRequest(endpoint Endpoint, outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), string(outcome)).Inc()
	m.RequestDurationSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// SessionStarted counts a started session.
func (m *ResearchMetrics) SessionStarted() {
	if m != nil {
		m.SessionsStartedTotal.Inc()
	}
}

// Resumed counts an accepted resume.
func (m *ResearchMetrics) Resumed() {
	if m != nil {
		m.ResumesTotal.Inc()
	}
}

// StreamStarted increments the open stream gauge.
func (m *ResearchMetrics) StreamStarted() {
	if m != nil {
		m.ActiveStreams.Inc()
	}
}

// StreamEnded decrements the open stream gauge.
func (m *ResearchMetrics) StreamEnded() {
	if m != nil {
		m.ActiveStreams.Dec()
	}
}
