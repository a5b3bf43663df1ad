package table

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_table_batches_total",
		Help: "Total tabular batches assembled",
	})

	repairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_table_repairs_total",
		Help: "Total string columns repaired to float32",
	})

	repairMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_table_repair_misses_total",
		Help: "Cells the extraction pattern could not convert (zero-filled)",
	})

	parseHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_table_parse_cache_hits_total",
		Help: "Repair cells served from the parse cache",
	})

	repairDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quiver_table_repair_duration_seconds",
		Help:    "Time spent holding the host repair lock",
		Buckets: prometheus.DefBuckets,
	})
)
