package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestExecutionsTotal_IncrementsByToolAndStatus(t *testing.T) {
	ExecutionsTotal.Reset()
	ExecutionsTotal.WithLabelValues("echo", "succeeded").Inc()
	ExecutionsTotal.WithLabelValues("echo", "succeeded").Inc()
	ExecutionsTotal.WithLabelValues("echo", "failed").Inc()

	if got := testutil.ToFloat64(ExecutionsTotal.WithLabelValues("echo", "succeeded")); got != 2 {
		t.Errorf("succeeded count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ExecutionsTotal.WithLabelValues("echo", "failed")); got != 1 {
		t.Errorf("failed count = %v, want 1", got)
	}
}

func TestCacheHitsAndMisses(t *testing.T) {
	CacheHitsTotal.Reset()
	CacheMissesTotal.Reset()

	CacheHitsTotal.WithLabelValues("fetch").Inc()
	CacheMissesTotal.WithLabelValues("fetch").Inc()
	CacheMissesTotal.WithLabelValues("fetch").Inc()

	if got := testutil.ToFloat64(CacheHitsTotal.WithLabelValues("fetch")); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(CacheMissesTotal.WithLabelValues("fetch")); got != 2 {
		t.Errorf("cache misses = %v, want 2", got)
	}
}

func TestCircuitBreakerOpenGauge(t *testing.T) {
	CircuitBreakerOpen.Set(1)
	if got := testutil.ToFloat64(CircuitBreakerOpen); got != 1 {
		t.Errorf("breaker gauge = %v, want 1", got)
	}
	CircuitBreakerOpen.Set(0)
	if got := testutil.ToFloat64(CircuitBreakerOpen); got != 0 {
		t.Errorf("breaker gauge = %v, want 0", got)
	}
}
