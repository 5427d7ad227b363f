package events

import (
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/events"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
)

// ChannelEventBus implements the public events.Bus interface using a buffered
// Go channel. Emission never blocks the store core: when the buffer is full
// the event is dropped and a warning logged.
type ChannelEventBus struct {
	channel chan events.Event
	log     kvlog.Logger
}

// NewChannelEventBus creates a ChannelEventBus with the specified buffer
// size. A non-positive bufferSize falls back to a default. Panics if the
// logger is nil.
func NewChannelEventBus(bufferSize int, log kvlog.Logger) *ChannelEventBus {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}

	bus := &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
	bus.log.Debugf("ChannelEventBus initialized with buffer size %d", bufferSize)
	return bus
}

// Emit sends an event onto the internal buffered channel without blocking.
func (c *ChannelEventBus) Emit(event events.Event) {
	select {
	case c.channel <- event:
	default:
		c.log.Warnf("Event channel buffer full, dropping event type '%s'", event.Type)
	}
}

// GetChannel returns the underlying event channel for consumers. The channel
// is read-only; it is not part of the public events.Bus interface.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close closes the underlying event channel, signaling consumers that no
// more events will be sent.
func (c *ChannelEventBus) Close() {
	close(c.channel)
}

var _ events.Bus = (*ChannelEventBus)(nil)
