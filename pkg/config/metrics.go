package config

import (
	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/connection"
	"github.com/marmos91/edgeflow/pkg/metrics"
	"github.com/marmos91/edgeflow/pkg/session"
	"github.com/marmos91/edgeflow/pkg/store/content/s3"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// MetricsResult contains all metrics-related components created from
// configuration. Every collector is nil when metrics are disabled, which
// components treat as "no metrics".
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	Claims      claim.Metrics
	Repository  repository.Metrics
	Connections connection.Metrics
	Sessions    session.Metrics
	S3          s3.S3Metrics
}

// InitializeMetrics creates all metrics components based on configuration.
//
// If metrics are enabled the global Prometheus registry is initialized and
// Prometheus-backed collectors are created for every component.
func InitializeMetrics(cfg *Config, log *logger.Logger) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()
	reg := metrics.Registerer()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port:   cfg.Metrics.Port,
			Logger: log,
		}),
		Claims:      metrics.NewClaimMetrics(reg),
		Repository:  metrics.NewRepositoryMetrics(reg),
		Connections: metrics.NewConnectionMetrics(reg),
		Sessions:    metrics.NewSessionMetrics(reg),
		S3:          metrics.NewS3Metrics(reg),
	}
}
