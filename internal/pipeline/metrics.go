package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	nodeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_pipeline_messages_total",
		Help: "Messages processed per node",
	}, []string{"node"})

	nodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_pipeline_errors_total",
		Help: "Node failures per node",
	}, []string{"node"})

	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiver_pipeline_node_duration_seconds",
		Help:    "Per-message processing time per node",
		Buckets: prometheus.DefBuckets,
	}, []string{"node"})

	triggerHeld = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_pipeline_trigger_held_total",
		Help: "Messages buffered by trigger operators",
	})

	triggerFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_pipeline_trigger_flushes_total",
		Help: "Trigger flushes on upstream completion",
	})
)
