package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decoder_tensor_pool_hits_total",
		Help: "Total number of successful tensor pool retrievals",
	}, []string{"backend"})

	poolMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "decoder_tensor_pool_misses_total",
		Help: "Total number of tensor pool misses (allocations)",
	}, []string{"backend"})
)
