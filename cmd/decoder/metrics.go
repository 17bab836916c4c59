package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	utterancesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoder_utterances_decoded_total",
		Help: "The total number of utterances decoded",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "decoder_request_duration_seconds",
		Help:    "Time spent processing score and decode requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	memoriesStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "decoder_memories_stored",
		Help: "Number of encoder memories held for decoding",
	})
)
