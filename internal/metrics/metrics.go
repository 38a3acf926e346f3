// Package metrics holds termflux's Prometheus collectors: package-level
// collectors registered in init(), a Timer helper for histogram
// observations, and a Handler for mounting the scrape endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "termflux_gateway_sessions_active",
		Help: "Number of terminal sessions currently attached.",
	})

	ConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termflux_gateway_connections_total",
		Help: "Total websocket connections accepted, by outcome.",
	}, []string{"outcome"})

	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termflux_gateway_frames_sent_total",
		Help: "Total frames written to clients, by frame type.",
	}, []string{"type"})

	WorkflowRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termflux_workflow_runs_total",
		Help: "Total workflow runs, by terminal status.",
	}, []string{"status"})

	WorkflowRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "termflux_workflow_run_duration_seconds",
		Help:    "Workflow run duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	ProvisionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "termflux_provision_duration_seconds",
		Help:    "Time taken to provision a workspace, in seconds.",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(FramesSent)
	prometheus.MustRegister(WorkflowRunsTotal)
	prometheus.MustRegister(WorkflowRunDuration)
	prometheus.MustRegister(ProvisionDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for a histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
