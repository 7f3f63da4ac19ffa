package metrics

import (
	"time"

	"github.com/marmos91/edgeflow/pkg/store/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// repositoryMetrics is the Prometheus implementation of
// repository.Metrics.
type repositoryMetrics struct {
	appendsTotal       *prometheus.CounterVec
	entriesTotal       prometheus.Counter
	appendDuration     prometheus.Histogram
	compactionsTotal   *prometheus.CounterVec
	compactionDuration prometheus.Histogram
	liveRecords        prometheus.Gauge
	corruptionsTotal   prometheus.Counter
}

// NewRepositoryMetrics creates a Prometheus-backed repository.Metrics, or
// nil when reg is nil.
func NewRepositoryMetrics(reg prometheus.Registerer) repository.Metrics {
	if reg == nil {
		return nil
	}
	return newRepositoryMetrics(reg)
}

func newRepositoryMetrics(reg prometheus.Registerer) *repositoryMetrics {
	return &repositoryMetrics{
		appendsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repository_appends_total",
				Help:      "Batches appended to the flow file repository by status",
			},
			[]string{"status"},
		),
		entriesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repository_entries_total",
				Help:      "Entries durably appended to the flow file repository",
			},
		),
		appendDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "repository_append_duration_seconds",
				Help:      "Duration of repository appends including fsync",
				Buckets: []float64{
					0.0001, // 100us
					0.0005, // 500us
					0.001,  // 1ms
					0.005,  // 5ms
					0.01,   // 10ms
					0.05,   // 50ms
					0.1,    // 100ms
					0.5,    // 500ms
					1.0,    // 1s
				},
			},
		),
		compactionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repository_compactions_total",
				Help:      "Repository compactions by status",
			},
			[]string{"status"},
		),
		compactionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "repository_compaction_duration_seconds",
				Help:      "Duration of repository compactions",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		liveRecords: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "repository_live_records",
				Help:      "Live records captured by the last compaction",
			},
		),
		corruptionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repository_corruptions_total",
				Help:      "Damaged log frames or records skipped during recovery",
			},
		),
	}
}

func (m *repositoryMetrics) ObserveAppend(entries int, duration time.Duration, err error) {
	m.appendsTotal.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.entriesTotal.Add(float64(entries))
	}
	m.appendDuration.Observe(duration.Seconds())
}

func (m *repositoryMetrics) ObserveCompaction(live int, duration time.Duration, err error) {
	m.compactionsTotal.WithLabelValues(status(err)).Inc()
	m.compactionDuration.Observe(duration.Seconds())
	if err == nil {
		m.liveRecords.Set(float64(live))
	}
}

func (m *repositoryMetrics) RecordCorruption() {
	m.corruptionsTotal.Inc()
}
