// Package metrics exposes the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors shared by the orchestrator and the scan
// adapter. Constructed once at startup and passed explicitly.
type Metrics struct {
	JobsSubmitted   prometheus.Counter
	JobsFinished    *prometheus.CounterVec
	StageRetries    prometheus.Counter
	CleanupFailures prometheus.Counter

	registry *prometheus.Registry
}

// New builds a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "review",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted for processing, deduplicated submissions excluded.",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "review",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal stage.",
		}, []string{"stage"}),
		StageRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "review",
			Name:      "stage_retries_total",
			Help:      "Stage attempts repeated after a transient failure.",
		}),
		CleanupFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "review",
			Name:      "workspace_cleanup_failures_total",
			Help:      "Scratch workspaces that could not be removed.",
		}),
		registry: reg,
	}
}

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
