// Package store creates kvsync stores from their factory type strings and
// implements the local (single-process) backend. Distributed backends live in
// the dist package; the factory here wires both from a shared option set.
package store

import (
	"github.com/kvsync-labs/kvsync/internal/config"
	"github.com/kvsync-labs/kvsync/internal/transport"
	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/events"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
	kvmetrics "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/metrics"
	kvtracing "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/tracing"
)

// Options carries every dependency a store backend may need. Absent entries
// are filled with defaults by the factory (no-op tracer, no-op event bus,
// default logger); cluster and network are required only for dist types.
type Options struct {
	Logger          kvlog.Logger
	MetricsProvider kvmetrics.RegistryProvider
	TracerProvider  kvtracing.TracerProvider
	EventBus        events.Bus
	EngineWorkers   int
	Cluster         *config.Cluster
	RoleOverride    string
	Network         transport.Network
}

// Option configures store construction.
type Option func(*Options) error

// WithLogger sets the logger used by the store and its engine.
func WithLogger(log kvlog.Logger) Option {
	return func(o *Options) error {
		if log == nil {
			return kverrors.NewConfigError("logger cannot be nil", nil)
		}
		o.Logger = log
		return nil
	}
}

// WithMetricsRegistryProvider enables Prometheus metrics on the store and its
// engine.
func WithMetricsRegistryProvider(p kvmetrics.RegistryProvider) Option {
	return func(o *Options) error {
		if p == nil {
			return kverrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		o.MetricsProvider = p
		return nil
	}
}

// WithTracerProvider enables OpenTelemetry tracing on store operations.
func WithTracerProvider(tp kvtracing.TracerProvider) Option {
	return func(o *Options) error {
		if tp == nil {
			return kverrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		o.TracerProvider = tp
		return nil
	}
}

// WithEventBus publishes store lifecycle events to the given bus.
func WithEventBus(bus events.Bus) Option {
	return func(o *Options) error {
		if bus == nil {
			return kverrors.NewConfigError("event bus cannot be nil", nil)
		}
		o.EventBus = bus
		return nil
	}
}

// WithEngineWorkers sets the dependency engine's pool size.
func WithEngineWorkers(n int) Option {
	return func(o *Options) error {
		if n <= 0 {
			return kverrors.NewConfigError("engine worker count must be positive", nil)
		}
		o.EngineWorkers = n
		return nil
	}
}

// WithCluster provides the distributed topology. Required for dist store
// types, ignored by local types.
func WithCluster(c *config.Cluster) Option {
	return func(o *Options) error {
		if c == nil {
			return kverrors.NewConfigError("cluster cannot be nil", nil)
		}
		o.Cluster = c
		return nil
	}
}

// WithRole overrides role resolution (config file, then KVSYNC_ROLE, then
// worker) for this store.
func WithRole(role string) Option {
	return func(o *Options) error {
		o.RoleOverride = role
		return nil
	}
}

// WithNetwork selects the transport implementation. Defaults to websocket
// for dist types; tests inject the in-memory network here.
func WithNetwork(n transport.Network) Option {
	return func(o *Options) error {
		if n == nil {
			return kverrors.NewConfigError("network cannot be nil", nil)
		}
		o.Network = n
		return nil
	}
}
