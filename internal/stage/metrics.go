package stage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_stage_rows_total",
		Help: "Rows processed per stage.",
	}, []string{"stage"})

	labelCells = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quiver_stage_label_cells_total",
		Help: "Boolean label cells written back onto batches.",
	})
)
