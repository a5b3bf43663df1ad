package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_device_allocations_total",
		Help: "Total number of device buffer allocations",
	})

	freesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_device_frees_total",
		Help: "Total number of device buffers returned to the allocator",
	})

	bytesHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_device_bytes_held",
		Help: "Bytes currently held by the allocator, live plus pooled",
	})

	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_device_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_device_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	poolBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quiver_device_pool_buffers_count",
		Help: "Current total number of buffers parked in the pool",
	})
)
