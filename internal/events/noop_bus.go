package events

import "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/events"

// NoOpEventBus is the default implementation of the public events.Bus
// interface. It performs no action on Emit and is used whenever no event
// handling mechanism is configured, so emitting components never need a nil
// check.
type NoOpEventBus struct{}

// NewNoOpEventBus creates a new instance of the NoOpEventBus.
func NewNoOpEventBus() events.Bus {
	return &NoOpEventBus{}
}

// Emit implements the events.Bus interface method.
func (n *NoOpEventBus) Emit(event events.Event) {
	// Intentionally does nothing.
}

var _ events.Bus = (*NoOpEventBus)(nil)
