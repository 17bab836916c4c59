package decoder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decoder_forward_duration_seconds",
		Help:    "Time spent in decoder forward passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	decoderBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "decoder_blocks",
		Help: "Number of blocks in the most recently constructed decoder",
	})
)
