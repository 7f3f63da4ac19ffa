// Package metrics provides Prometheus metrics collection for edgeflow
// components.
//
// All metrics are optional - if not initialized, components use no-op
// implementations. This allows the agent to run with or without metrics
// collection enabled.
//
// Usage:
//
//	// Initialize global registry (typically in main.go)
//	metrics.InitRegistry()
//
//	// Create metrics instances for components
//	claims := claim.NewManager(store, claim.ManagerConfig{
//		Metrics: metrics.NewClaimMetrics(metrics.Registerer()),
//	})
//
//	// Constructors return nil for a nil Registerer, which components treat
//	// as "no metrics"
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "edgeflow"

var (
	// registry is the global Prometheus registry for all edgeflow metrics.
	// Protected by registryOnce for write-once, read-many pattern.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry and registers the
// Go runtime and process collectors on it.
//
// Safe to call multiple times - subsequent calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the global Prometheus registry, or nil if
// InitRegistry has not been called.
func GetRegistry() *prometheus.Registry {
	return registry
}

// Registerer returns the global registry as a prometheus.Registerer, or a
// nil interface when metrics are disabled.
func Registerer() prometheus.Registerer {
	if registry == nil {
		return nil
	}
	return registry
}

// IsEnabled returns true if metrics collection is enabled.
func IsEnabled() bool {
	return GetRegistry() != nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
