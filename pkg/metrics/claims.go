package metrics

import (
	"time"

	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// claimMetrics is the Prometheus implementation of claim.Metrics.
type claimMetrics struct {
	removedTotal    *prometheus.CounterVec
	removalDuration prometheus.Histogram
	activeClaims    prometheus.Gauge
}

// NewClaimMetrics creates a Prometheus-backed claim.Metrics, or nil when reg
// is nil.
func NewClaimMetrics(reg prometheus.Registerer) claim.Metrics {
	if reg == nil {
		return nil
	}
	return newClaimMetrics(reg)
}

func newClaimMetrics(reg prometheus.Registerer) *claimMetrics {
	return &claimMetrics{
		removedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_removals_total",
				Help:      "Claims whose content was removed after their reference count reached zero",
			},
			[]string{"status"},
		),
		removalDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "claim_removal_flush_duration_seconds",
				Help:      "Duration of claim removal flushes",
				Buckets:   prometheus.DefBuckets,
			},
		),
		activeClaims: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "claims_active",
				Help:      "Claims tracked by the claim manager",
			},
		),
	}
}

func (m *claimMetrics) ObserveRemoval(count int, failed int, duration time.Duration) {
	m.removedTotal.WithLabelValues("success").Add(float64(count))
	m.removedTotal.WithLabelValues("error").Add(float64(failed))
	m.removalDuration.Observe(duration.Seconds())
}

func (m *claimMetrics) SetActiveClaims(count int64) {
	m.activeClaims.Set(float64(count))
}
