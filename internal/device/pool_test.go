package device

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	if metric.Gauge != nil {
		return *metric.Gauge.Value
	}
	return 0
}

func TestCPU_PoolMetrics(t *testing.T) {
	backend := NewCPUBackend()

	// metrics are global, so we track deltas
	startMisses := getMetricValue(poolMisses.WithLabelValues(backend.Name()))
	startHits := getMetricValue(poolHits.WithLabelValues(backend.Name()))

	t1 := backend.GetTensor(8, 8)
	misses := getMetricValue(poolMisses.WithLabelValues(backend.Name())) - startMisses
	hits := getMetricValue(poolHits.WithLabelValues(backend.Name())) - startHits
	if misses+hits != 1 {
		t.Errorf("Expected exactly one pool lookup, got %v misses and %v hits", misses, hits)
	}

	backend.PutTensor(t1)

	// sync.Pool may drop entries at any GC, so only the lookup count is asserted.
	t2 := backend.GetTensor(8, 8)
	misses = getMetricValue(poolMisses.WithLabelValues(backend.Name())) - startMisses
	hits = getMetricValue(poolHits.WithLabelValues(backend.Name())) - startHits
	if misses+hits != 2 {
		t.Errorf("Expected two pool lookups, got %v misses and %v hits", misses, hits)
	}
	backend.PutTensor(t2)
}
