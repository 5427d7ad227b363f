// Package metrics supplies the prometheus-backed registry provider handed to
// stores, engines and transports so all collectors land in one registry per
// process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	kv "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/metrics"
)

// PrometheusRegistryProvider owns a dedicated prometheus registry. A fresh
// registry per provider keeps tests isolated from each other and from the
// global default registry.
type PrometheusRegistryProvider struct {
	registry *prometheus.Registry
}

var _ kv.RegistryProvider = (*PrometheusRegistryProvider)(nil)

// NewPrometheusRegistryProvider creates a provider around an empty registry.
func NewPrometheusRegistryProvider() *PrometheusRegistryProvider {
	return &PrometheusRegistryProvider{registry: prometheus.NewRegistry()}
}

// NewProcessRegistryProvider creates a provider whose registry additionally
// carries the standard Go runtime and process collectors. Used by long-running
// server and scheduler processes; library embeddings usually want the plain
// provider.
func NewProcessRegistryProvider() *PrometheusRegistryProvider {
	p := NewPrometheusRegistryProvider()
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry exposes the underlying registry for collector registration and
// for serving via promhttp.
func (p *PrometheusRegistryProvider) Registry() *prometheus.Registry {
	return p.registry
}
