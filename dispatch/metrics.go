// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Scrape-surface metrics. Names are stable; dashboards and alerts key on
// them.
var (
	metricRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of dispatched requests by capability and outcome",
		},
		[]string{"capability", "status"},
	)
	metricRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"capability"},
	)
	metricActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Outstanding backend calls per backend",
		},
		[]string{"backend"},
	)
	metricJobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_queued",
			Help: "Jobs waiting for batch or admission",
		},
	)
	metricJobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Jobs with an in-flight backend call",
		},
	)
	metricModelInference = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_inference_total",
			Help: "Backend inference invocations by capability and outcome",
		},
		[]string{"capability", "status"},
	)
	metricErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Dispatch failures by capability and error kind",
		},
		[]string{"capability", "kind"},
	)
	metricBackendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backend_health",
			Help: "Backend health: 1 healthy, 0.5 degraded, 0 unhealthy",
		},
		[]string{"backend"},
	)
)

var metricsOnce sync.Once

// registerMetrics registers all dispatch metrics once; duplicate
// registration across cores in tests is ignored.
func registerMetrics() {
	metricsOnce.Do(func() {
		collectors := []prometheus.Collector{
			metricRequestsTotal,
			metricRequestDuration,
			metricActiveConnections,
			metricJobsQueued,
			metricJobsRunning,
			metricModelInference,
			metricErrorsTotal,
			metricBackendHealth,
		}
		for _, c := range collectors {
			if err := prometheus.Register(c); err != nil {
				// Already registered (e.g. fresh cores in tests) is fine.
				continue
			}
		}
	})
}
