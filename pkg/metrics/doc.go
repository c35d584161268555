// Package metrics registers the Prometheus gauges, counters, and
// histograms the runner exposes for scraping: execution counts and
// duration, cache hit/miss rates, circuit breaker state, and gateway
// request latency.
package metrics
