package metrics

import (
	"time"

	"github.com/marmos91/edgeflow/pkg/connection"
	"github.com/marmos91/edgeflow/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// connectionMetrics is the Prometheus implementation of
// connection.Metrics.
type connectionMetrics struct {
	depth        *prometheus.GaugeVec
	bytes        *prometheus.GaugeVec
	expiredTotal *prometheus.CounterVec
}

// NewConnectionMetrics creates a Prometheus-backed connection.Metrics
// shared by every connection, or nil when reg is nil.
func NewConnectionMetrics(reg prometheus.Registerer) connection.Metrics {
	if reg == nil {
		return nil
	}
	return newConnectionMetrics(reg)
}

func newConnectionMetrics(reg prometheus.Registerer) *connectionMetrics {
	return &connectionMetrics{
		depth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_queued_records",
				Help:      "Records queued or in flight on a connection",
			},
			[]string{"connection"},
		),
		bytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_queued_bytes",
				Help:      "Content bytes queued or in flight on a connection",
			},
			[]string{"connection"},
		),
		expiredTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_expired_records_total",
				Help:      "Records dropped from a connection because they expired",
			},
			[]string{"connection"},
		),
	}
}

func (m *connectionMetrics) SetDepth(conn string, count int, bytes int64) {
	m.depth.WithLabelValues(conn).Set(float64(count))
	m.bytes.WithLabelValues(conn).Set(float64(bytes))
}

func (m *connectionMetrics) RecordExpired(conn string, count int) {
	m.expiredTotal.WithLabelValues(conn).Add(float64(count))
}

// sessionMetrics is the Prometheus implementation of session.Metrics.
type sessionMetrics struct {
	commitsTotal   *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	routedTotal    *prometheus.CounterVec
	rollbacksTotal *prometheus.CounterVec
}

// NewSessionMetrics creates a Prometheus-backed session.Metrics, or nil
// when reg is nil.
func NewSessionMetrics(reg prometheus.Registerer) session.Metrics {
	if reg == nil {
		return nil
	}
	return newSessionMetrics(reg)
}

func newSessionMetrics(reg prometheus.Registerer) *sessionMetrics {
	return &sessionMetrics{
		commitsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_commits_total",
				Help:      "Session commits by processing unit and status",
			},
			[]string{"unit", "status"},
		),
		commitDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_commit_duration_seconds",
				Help:      "Duration of session commits",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"unit"},
		),
		routedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_routed_records_total",
				Help:      "Records placed on connections by committed sessions",
			},
			[]string{"unit"},
		),
		rollbacksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_rollbacks_total",
				Help:      "Session rollbacks by processing unit",
			},
			[]string{"unit"},
		),
	}
}

func (m *sessionMetrics) ObserveCommit(unit string, records int, duration time.Duration, err error) {
	m.commitsTotal.WithLabelValues(unit, status(err)).Inc()
	m.commitDuration.WithLabelValues(unit).Observe(duration.Seconds())
	if err == nil {
		m.routedTotal.WithLabelValues(unit).Add(float64(records))
	}
}

func (m *sessionMetrics) RecordRollback(unit string, _ int) {
	m.rollbacksTotal.WithLabelValues(unit).Inc()
}
