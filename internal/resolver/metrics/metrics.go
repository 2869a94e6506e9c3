// Package metrics holds the Prometheus instruments for the resolution engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
)

// Metrics groups every instrument the engine emits. Construction takes a
// registerer so tests can use isolated registries.
type Metrics struct {
	ResolveTotal          *prometheus.CounterVec
	ResolveDuration       prometheus.Histogram
	TierErrors            *prometheus.CounterVec
	Invalidations         prometheus.Counter
	ReplicationRuns       prometheus.Counter
	ReplicationPropagated prometheus.Counter
	DriftStatus           prometheus.Gauge
	DriftOutOfSyncRatio   prometheus.Gauge
}

// New creates and registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ResolveTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_resolve_total",
			Help: "Total lookups resolved, labeled by answering tier",
		}, []string{"source"}),
		ResolveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "resolver_resolve_duration_seconds",
			Help:    "End-to-end resolution latency",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		TierErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_tier_errors_total",
			Help: "Transient tier failures that fell through to the next tier",
		}, []string{"tier"}),
		Invalidations: factory.NewCounter(prometheus.CounterOpts{
			Name: "resolver_invalidations_total",
			Help: "Total cache invalidations across all tiers",
		}),
		ReplicationRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "resolver_replication_runs_total",
			Help: "Total replication job executions",
		}),
		ReplicationPropagated: factory.NewCounter(prometheus.CounterOpts{
			Name: "resolver_replication_propagated_total",
			Help: "Total rows pushed from the authoritative store to the distributed cache",
		}),
		DriftStatus: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resolver_drift_status",
			Help: "Last drift health status (0 ok, 1 warning, 2 critical)",
		}),
		DriftOutOfSyncRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "resolver_drift_out_of_sync_ratio",
			Help: "Fraction of sampled entities out of sync with the system of record",
		}),
	}
}

// ObserveResolve records one finished resolution.
func (m *Metrics) ObserveResolve(source models.ResolutionSource, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ResolveTotal.WithLabelValues(string(source)).Inc()
	m.ResolveDuration.Observe(elapsed.Seconds())
}

// IncTierError records a transient tier failure.
func (m *Metrics) IncTierError(tier string) {
	if m == nil {
		return
	}
	m.TierErrors.WithLabelValues(tier).Inc()
}

// IncInvalidations counts one invalidation.
func (m *Metrics) IncInvalidations() {
	if m == nil {
		return
	}
	m.Invalidations.Inc()
}

// ObserveReplication records one job run and how many rows it pushed.
func (m *Metrics) ObserveReplication(propagated int) {
	if m == nil {
		return
	}
	m.ReplicationRuns.Inc()
	m.ReplicationPropagated.Add(float64(propagated))
}

// SetDrift publishes the latest drift evaluation.
func (m *Metrics) SetDrift(status models.HealthStatus, outOfSyncRatio float64) {
	if m == nil {
		return
	}
	var v float64
	switch status {
	case models.HealthWarning:
		v = 1
	case models.HealthCritical:
		v = 2
	}
	m.DriftStatus.Set(v)
	m.DriftOutOfSyncRatio.Set(outOfSyncRatio)
}
