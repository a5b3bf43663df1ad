package kernels

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_kernels_invocations_total",
		Help: "Total kernel launches by kernel name",
	}, []string{"kernel"})

	kernelElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quiver_kernels_elements_total",
		Help: "Total elements processed by kernel name",
	}, []string{"kernel"})
)
