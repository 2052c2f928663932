package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workflow_runs_active",
		Help: "Currently executing workflow runs",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_runs_total",
		Help: "Terminated workflow runs by outcome",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workflow_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"stage"})

	CapabilityErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workflow_capability_errors_total",
		Help: "Capability call failures by capability and kind",
	}, []string{"capability", "kind"})

	EventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workflow_events_emitted_total",
		Help: "Stream events delivered to consumers",
	})
)
