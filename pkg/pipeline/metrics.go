package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for pipeline runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Total driver runs by program era and terminal state",
	}, []string{"program", "state"})

	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_pages_total",
		Help: "Total pages stored by raw append outcome",
	}, []string{"outcome"})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_records_total",
		Help: "Total records handled by the dimensional loader",
	}, []string{"result"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_run_duration_seconds",
		Help:    "Duration of one period/entity run",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"state"})
)
