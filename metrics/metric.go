package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = "GigaFS"
		},
	)

	// OpStatus counts metadata operations by op and wire status.
	OpStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "GigaFS",
			Name:      "op_status_total",
			Help:      "metadata operations by opcode and status",
		},
		[]string{"op", "status"},
	)

	// DirSplits counts directory partition splits.
	DirSplits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "GigaFS",
			Name:      "dir_splits_total",
			Help:      "directory partition splits",
		},
	)
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		OpStatus,
		DirSplits,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = "GigaFS"
		},
	)
}
