package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_client_publishes_total",
		Help: "Records published to the downstream Flight server.",
	})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_client_publish_failures_total",
		Help: "Publishes that reached the wire and failed.",
	})

	publishRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_client_publish_rejected_total",
		Help: "Publishes rejected by the open circuit breaker.",
	})

	publishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_client_publish_duration_seconds",
		Help:    "DoPut round trip time.",
		Buckets: prometheus.DefBuckets,
	})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_client_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
	})
)
