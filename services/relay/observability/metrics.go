// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the relay.
//
// # Description
//
// Metrics cover the three moving parts of the relay:
//   - Client hub: connected clients, broadcasts, dropped sends
//   - Backend gateway: connectivity, connect attempts, HTTP call latency
//   - Artifact store: saves, evictions, sweep failures
//
// # Integration
//
// NewMetrics registers against the given registerer; the relay passes
// prometheus.DefaultRegisterer and serves promhttp.Handler() on /metrics.
// Tests pass a fresh prometheus.NewRegistry().
//
// Every method is safe on a nil *Metrics, so components constructed
// without metrics need no guards.
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

const (
	metricsNamespace   = "relay"
	hubSubsystem       = "hub"
	backendSubsystem   = "backend"
	artifactsSubsystem = "artifacts"
)

// DropReason labels a broadcast delivery that was skipped.
type DropReason string

const (
	// DropQueueFull means the client's outbound queue was full.
	DropQueueFull DropReason = "queue_full"

	// DropClosed means the client was already closing.
	DropClosed DropReason = "closed"

	// DropWriteError means the socket write failed or timed out.
	DropWriteError DropReason = "write_error"
)

// Metrics holds all relay metrics.
type Metrics struct {
	// ClientsConnected is the current size of the client set.
	ClientsConnected prometheus.Gauge

	// BroadcastsTotal counts broadcasts by message type.
	BroadcastsTotal *prometheus.CounterVec

	// SendsDroppedTotal counts per-client deliveries that were skipped.
	SendsDroppedTotal *prometheus.CounterVec

	// BackendConnected is 1 while the event channel is up.
	BackendConnected prometheus.Gauge

	// BackendConnectAttemptsTotal counts event channel dials by outcome.
	BackendConnectAttemptsTotal *prometheus.CounterVec

	// BackendRequestDurationSeconds measures backend HTTP calls.
	// Labels: operation (execute, upload, health), status (success, error)
	BackendRequestDurationSeconds *prometheus.HistogramVec

	// ArtifactsSavedTotal counts saved artifacts by class (generated, original).
	ArtifactsSavedTotal *prometheus.CounterVec

	// ArtifactsEvictedTotal counts files removed by the retention sweep.
	ArtifactsEvictedTotal prometheus.Counter

	// SweepErrorsTotal counts sweep deletions that failed.
	SweepErrorsTotal prometheus.Counter
}

// NewMetrics creates and registers all relay metrics on reg.
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: hubSubsystem,
			Name:      "clients_connected",
			Help:      "Number of connected UI clients",
		}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: hubSubsystem,
			Name:      "broadcasts_total",
			Help:      "Total broadcasts by message type",
		}, []string{"type"}),
		SendsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: hubSubsystem,
			Name:      "sends_dropped_total",
			Help:      "Per-client deliveries skipped by reason",
		}, []string{"reason"}),
		BackendConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: backendSubsystem,
			Name:      "connected",
			Help:      "1 when the backend event channel is connected",
		}),
		BackendConnectAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: backendSubsystem,
			Name:      "connect_attempts_total",
			Help:      "Backend event channel dial attempts by outcome",
		}, []string{"outcome"}),
		BackendRequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: backendSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Backend HTTP call duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "status"}),
		ArtifactsSavedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: artifactsSubsystem,
			Name:      "saved_total",
			Help:      "Artifacts written by class",
		}, []string{"class"}),
		ArtifactsEvictedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: artifactsSubsystem,
			Name:      "evicted_total",
			Help:      "Generated artifacts deleted by the retention sweep",
		}),
		SweepErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: artifactsSubsystem,
			Name:      "sweep_errors_total",
			Help:      "Retention sweep deletions that failed",
		}),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// ClientJoined increments the connected clients gauge.
func (m *Metrics) ClientJoined() {
	if m == nil {
		return
	}
	m.ClientsConnected.Inc()
}

// ClientLeft decrements the connected clients gauge.
func (m *Metrics) ClientLeft() {
	if m == nil {
		return
	}
	m.ClientsConnected.Dec()
}

// RecordBroadcast counts one broadcast of the given message type.
func (m *Metrics) RecordBroadcast(msgType string) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.WithLabelValues(msgType).Inc()
}

// RecordDrop counts one skipped delivery.
func (m *Metrics) RecordDrop(reason DropReason) {
	if m == nil {
		return
	}
	m.SendsDroppedTotal.WithLabelValues(string(reason)).Inc()
}

// SetBackendConnected updates the connectivity gauge.
func (m *Metrics) SetBackendConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.BackendConnected.Set(1)
	} else {
		m.BackendConnected.Set(0)
	}
}

// RecordConnectAttempt counts one event channel dial.
func (m *Metrics) RecordConnectAttempt(success bool) {
	if m == nil {
		return
	}
	m.BackendConnectAttemptsTotal.WithLabelValues(outcome(success)).Inc()
}

// RecordBackendRequest observes one backend HTTP call.
//
// # Inputs
//
//   - operation: "execute", "upload" or "health".
//   - seconds: Call duration.
//   - success: Whether the call returned a usable result.
func (m *Metrics) RecordBackendRequest(operation string, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.BackendRequestDurationSeconds.WithLabelValues(operation, status).Observe(seconds)
}

// RecordSaved counts one saved artifact.
func (m *Metrics) RecordSaved(class string) {
	if m == nil {
		return
	}
	m.ArtifactsSavedTotal.WithLabelValues(class).Inc()
}

// RecordEvicted counts n swept files.
func (m *Metrics) RecordEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ArtifactsEvictedTotal.Add(float64(n))
}

// RecordSweepError counts one failed sweep deletion.
func (m *Metrics) RecordSweepError() {
	if m == nil {
		return
	}
	m.SweepErrorsTotal.Inc()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
