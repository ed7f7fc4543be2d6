// Package metrics provides Prometheus metrics for the sandbox daemon.
//
// Metrics are exposed via a /metrics HTTP endpoint and can be scraped by
// Prometheus. Key metrics: warm pool statistics, RPC and boot latency,
// and error counts by taxonomy kind.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector holds every metric this daemon exposes.
type Collector struct {
	PoolAvailable   prometheus.Gauge
	PoolWarmHits    prometheus.Counter
	PoolColdMisses  prometheus.Counter
	SandboxesActive prometheus.Gauge

	BootLatency prometheus.Histogram
	RPCLatency  *prometheus.HistogramVec

	ErrorsByKind *prometheus.CounterVec

	log *logrus.Entry
}

// NewCollector registers every metric against a fresh registry and returns
// a Collector bound to it.
func NewCollector(log *logrus.Entry) (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		PoolAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandboxd_pool_available",
			Help: "Number of warm sandboxes currently queued in the pool.",
		}),
		PoolWarmHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandboxd_pool_warm_hits_total",
			Help: "Total acquisitions served from the warm pool.",
		}),
		PoolColdMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "sandboxd_pool_cold_misses_total",
			Help: "Total acquisitions that required a cold create.",
		}),
		SandboxesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sandboxd_sandboxes_active",
			Help: "Number of sandboxes currently registered.",
		}),
		BootLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sandboxd_sandbox_boot_seconds",
			Help:    "Time to create and verify a sandbox, from launch to first successful ping.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandboxd_agent_rpc_seconds",
			Help:    "Agent transport RPC latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		ErrorsByKind: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandboxd_errors_total",
			Help: "Errors returned from the core, by taxonomy kind.",
		}, []string{"kind"}),
		log: log.WithField("component", "metrics"),
	}

	return c, reg
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// The methods below are nil-receiver safe so callers can thread a *Collector
// through constructors and pass nil when metrics are disabled, without a
// branch at every call site.

// IncWarmHit records a pool acquisition served from the warm queue.
func (c *Collector) IncWarmHit() {
	if c == nil {
		return
	}
	c.PoolWarmHits.Inc()
}

// IncColdMiss records a pool acquisition that required a cold create.
func (c *Collector) IncColdMiss() {
	if c == nil {
		return
	}
	c.PoolColdMisses.Inc()
}

// SetPoolAvailable sets the current warm queue depth.
func (c *Collector) SetPoolAvailable(n int) {
	if c == nil {
		return
	}
	c.PoolAvailable.Set(float64(n))
}

// SetSandboxesActive sets the current registered-sandbox count.
func (c *Collector) SetSandboxesActive(n int) {
	if c == nil {
		return
	}
	c.SandboxesActive.Set(float64(n))
}

// ObserveBootLatency records the time from VM launch to first successful
// ping.
func (c *Collector) ObserveBootLatency(seconds float64) {
	if c == nil {
		return
	}
	c.BootLatency.Observe(seconds)
}

// ObserveRPCLatency records one agent transport call's duration.
func (c *Collector) ObserveRPCLatency(method string, seconds float64) {
	if c == nil {
		return
	}
	c.RPCLatency.WithLabelValues(method).Observe(seconds)
}

// IncError counts one error returned from the core, by taxonomy kind.
func (c *Collector) IncError(kind string) {
	if c == nil {
		return
	}
	c.ErrorsByKind.WithLabelValues(kind).Inc()
}
