package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider defines the interface for accessing the store's metrics
// registry. Consumers expose the registry however they choose, typically via
// a Prometheus HTTP endpoint.
type RegistryProvider interface {
	// Registry returns the Prometheus registry containing kvsync metrics.
	Registry() *prometheus.Registry
}
