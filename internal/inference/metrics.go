package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inferencesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_inference_calls_total",
		Help: "Total local inference calls",
	})

	rowsInferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_inference_rows_total",
		Help: "Total rows scored by the local runner",
	})

	inferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_inference_duration_seconds",
		Help:    "Local inference call latency",
		Buckets: prometheus.DefBuckets,
	})
)
