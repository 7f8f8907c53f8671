// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the answering
// service.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "answerflow"

// WorkflowMetrics holds the metric vectors for workflow runs.
//
// Access via DefaultMetrics after InitMetrics; both are nil-safe at call
// sites (`if m := observability.DefaultMetrics; m != nil { ... }`) so
// tests can run without metric registration.
type WorkflowMetrics struct {
	// RunsTotal counts runs by terminal status.
	RunsTotal *prometheus.CounterVec

	// RunDuration observes wall-clock run time by terminal status.
	RunDuration *prometheus.HistogramVec

	// LoopsPerRun observes generation attempts per run.
	LoopsPerRun prometheus.Histogram

	// EventsTotal counts emitted progress events by type.
	EventsTotal *prometheus.CounterVec

	// ActiveStreams gauges in-flight SSE connections.
	ActiveStreams prometheus.Gauge
}

// DefaultMetrics is the process-wide metrics instance, nil until
// InitMetrics runs.
var DefaultMetrics *WorkflowMetrics

var initOnce sync.Once

// InitMetrics registers the workflow metrics with the default registry.
// Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		DefaultMetrics = &WorkflowMetrics{
			RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "Workflow runs by terminal status.",
			}, []string{"status"}),

			RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "run_duration_seconds",
				Help:      "Workflow run duration by terminal status.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}, []string{"status"}),

			LoopsPerRun: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "loops_per_run",
				Help:      "Generation attempts per workflow run.",
				Buckets:   []float64{1, 2, 3, 4, 5},
			}),

			EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "Progress events emitted by type.",
			}, []string{"type"}),

			ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_streams",
				Help:      "In-flight SSE answer streams.",
			}),
		}
	})
}
