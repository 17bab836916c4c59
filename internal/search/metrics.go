package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "decoder_search_steps_total",
	Help: "Total number of decoding steps run by search drivers",
}, []string{"strategy"})
