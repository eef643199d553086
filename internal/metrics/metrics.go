package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for FnORun
type Registry struct {
	// Governor metrics
	GovernedCalls prometheus.Counter
	GovernorWaits prometheus.Counter

	// Quote cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Batch metrics
	BatchChunks *prometheus.CounterVec

	// Ledger metrics
	OpenPositions prometheus.Gauge
	TotalPnL      prometheus.Gauge

	// Scan metrics
	ScanQualified *prometheus.CounterVec
}

var (
	registry *Registry
	initOnce sync.Once
)

// Default returns the process-wide metrics registry, registering the
// collectors on first use.
func Default() *Registry {
	initOnce.Do(func() {
		registry = newRegistry()
		prometheus.MustRegister(
			registry.GovernedCalls,
			registry.GovernorWaits,
			registry.CacheHits,
			registry.CacheMisses,
			registry.BatchChunks,
			registry.OpenPositions,
			registry.TotalPnL,
			registry.ScanQualified,
		)
	})
	return registry
}

func newRegistry() *Registry {
	return &Registry{
		GovernedCalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fnorun_governed_calls_total",
				Help: "Total number of API calls admitted by the rate governor",
			},
		),

		GovernorWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fnorun_governor_wait_cycles_total",
				Help: "Total number of 100ms backoff cycles spent waiting for a call slot",
			},
		),

		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fnorun_quote_cache_hits_total",
				Help: "Total number of quote cache hits",
			},
		),

		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fnorun_quote_cache_misses_total",
				Help: "Total number of quote cache misses",
			},
		),

		BatchChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnorun_batch_chunks_total",
				Help: "Total number of batched quote chunks by outcome",
			},
			[]string{"outcome"},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fnorun_open_positions",
				Help: "Number of currently running positions",
			},
		),

		TotalPnL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fnorun_total_pnl",
				Help: "Aggregate PnL across running positions in rupees",
			},
		),

		ScanQualified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fnorun_scan_qualified_total",
				Help: "Total number of instruments qualified by the entry scan, by side",
			},
			[]string{"side"},
		),
	}
}
