package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TracerProvider defines the interface for accessing the store's tracer
// provider, so kvsync tracing can be integrated with an existing
// OpenTelemetry setup or replaced with a custom implementation.
type TracerProvider interface {
	// GetTracer returns a Tracer instance with the specified name and options.
	GetTracer(name string, opts ...trace.TracerOption) trace.Tracer

	// Shutdown gracefully shuts down the provider, flushing buffered spans.
	// Implementations for which shutdown is not applicable (e.g. NoOp)
	// return nil.
	Shutdown(ctx context.Context) error
}
