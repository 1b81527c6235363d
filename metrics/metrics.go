// Package metrics wraps the simulator's prometheus counters and gauges,
// the same client_golang dependency other observability-heavy services
// use for their own counters.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the full observability surface shared by the cache and
// directory packages (root directories count the DDR requests they
// queue; the ddr package reports nothing itself). A nil *Collector is
// not valid; use
// NewCollector even for tests that register it with prometheus's
// default registry exactly once.
type Collector struct {
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	TokensGauge    prometheus.Gauge
	DDRCommands    prometheus.Counter
	RingDeadlocks  prometheus.Counter
}

// NewCollector builds a Collector and registers it with reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with other
// simulator instances registered against the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coma_cache_hits_total",
			Help: "Number of cache accesses serviced without a ring request.",
		}, []string{"cache"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coma_cache_misses_total",
			Help: "Number of cache accesses that required a ring request.",
		}, []string{"cache"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coma_cache_evictions_total",
			Help: "Number of cache lines evicted to make room for a miss.",
		}, []string{"cache"}),
		TokensGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coma_tokens_outstanding",
			Help: "Tokens currently lent out by root directories to caches.",
		}),
		DDRCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coma_ddr_commands_total",
			Help: "Number of DDR read/write requests queued by root directories.",
		}),
		RingDeadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coma_ring_deadlocks_total",
			Help: "Number of times the engine detected no progress for the deadlock grace period.",
		}),
	}
	reg.MustRegister(c.CacheHits, c.CacheMisses, c.CacheEvictions, c.TokensGauge, c.DDRCommands, c.RingDeadlocks)
	return c
}

// CacheHit implements cache.Metrics.
func (c *Collector) CacheHit(cacheID int) { c.CacheHits.WithLabelValues(label(cacheID)).Inc() }

// CacheMiss implements cache.Metrics.
func (c *Collector) CacheMiss(cacheID int) { c.CacheMisses.WithLabelValues(label(cacheID)).Inc() }

// CacheEviction implements cache.Metrics.
func (c *Collector) CacheEviction(cacheID int) {
	c.CacheEvictions.WithLabelValues(label(cacheID)).Inc()
}

// TokensOutstanding implements directory.Metrics: adjusts the
// outstanding-token gauge by delta (positive when tokens are lent out,
// negative when returned).
func (c *Collector) TokensOutstanding(delta int) { c.TokensGauge.Add(float64(delta)) }

// DDRCommand implements directory.Metrics.
func (c *Collector) DDRCommand() { c.DDRCommands.Inc() }

// Deadlock records a detected ring deadlock.
func (c *Collector) Deadlock() { c.RingDeadlocks.Inc() }

func label(cacheID int) string {
	return strconv.Itoa(cacheID)
}
