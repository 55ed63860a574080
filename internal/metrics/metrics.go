// Package metrics exposes the process's Prometheus counters and wires
// them into the cache and death-queue event points that want them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every counter filed emits. One Registry is created per
// process and shared across all loop threads.
type Registry struct {
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheEvicts *prometheus.CounterVec
	ConnsReaped prometheus.Counter
	RequestsTotal *prometheus.CounterVec
	BytesSent   prometheus.Counter
}

// New registers filed's counters against reg. Passing
// prometheus.DefaultRegisterer is the normal case; a dedicated registry is
// useful in tests that want isolation between runs.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filed_cache_hits_total",
			Help: "Content cache lookups served from the index without invoking a factory.",
		}, []string{"strategy"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filed_cache_misses_total",
			Help: "Content cache lookups that required building a new entry.",
		}, []string{"strategy"}),
		CacheEvicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filed_cache_evictions_total",
			Help: "Content cache entries invalidated and rebuilt.",
		}, []string{"strategy"}),
		ConnsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "filed_connections_reaped_total",
			Help: "Keep-alive connections closed by the death queue for going idle too long.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filed_requests_total",
			Help: "Requests served, labeled by response status class.",
		}, []string{"status"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "filed_response_bytes_total",
			Help: "Bytes written to clients across all responses, headers included.",
		}),
	}
}

// CacheMetrics adapts Registry to filecache.Metrics. The strategy label is
// unknown at the call sites filecache.Metrics exposes (it only passes a
// key), so every event is recorded under the constant label "unknown";
// this package records no per-strategy breakdown.
type CacheMetrics struct {
	reg *Registry
}

// NewCacheMetrics builds the filecache.Metrics adapter backed by reg.
func NewCacheMetrics(reg *Registry) CacheMetrics {
	return CacheMetrics{reg: reg}
}

func (m CacheMetrics) Hit(string)   { m.reg.CacheHits.WithLabelValues("unknown").Inc() }
func (m CacheMetrics) Miss(string)  { m.reg.CacheMisses.WithLabelValues("unknown").Inc() }
func (m CacheMetrics) Evict(string) { m.reg.CacheEvicts.WithLabelValues("unknown").Inc() }

// Reap records one death-queue idle-timeout close, regardless of which
// loop thread performed it.
func (r *Registry) Reap() {
	r.ConnsReaped.Inc()
}

// ObserveResponse records one served request's status class and the bytes
// it put on the wire (headers plus body).
func (r *Registry) ObserveResponse(statusClass string, bytes int64) {
	r.RequestsTotal.WithLabelValues(statusClass).Inc()
	if bytes > 0 {
		r.BytesSent.Add(float64(bytes))
	}
}
