package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "decoder_circuit_breaker_state",
	Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
}, []string{"breaker"})
