package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ievents "github.com/kvsync-labs/kvsync/internal/events"
	"github.com/kvsync-labs/kvsync/internal/logger"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/events"
)

func TestChannelEventBusDeliversInOrder(t *testing.T) {
	bus := ievents.NewChannelEventBus(8, logger.NewDefaultLogger("error"))
	defer bus.Close()

	bus.Emit(events.Event{Type: events.KeyInitialized, Key: 1, Timestamp: time.Now()})
	bus.Emit(events.Event{Type: events.PushApplied, Key: 1, Timestamp: time.Now()})

	ch := bus.GetChannel()
	first := <-ch
	second := <-ch
	assert.Equal(t, events.KeyInitialized, first.Type)
	assert.Equal(t, events.PushApplied, second.Type)
}

func TestChannelEventBusDropsWhenFull(t *testing.T) {
	bus := ievents.NewChannelEventBus(1, logger.NewDefaultLogger("error"))
	defer bus.Close()

	bus.Emit(events.Event{Type: events.PushApplied})
	// Buffer full: this emit must not block.
	done := make(chan struct{})
	go func() {
		bus.Emit(events.Event{Type: events.RoundClosed})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	require.Len(t, bus.GetChannel(), 1)
}

func TestNoOpEventBusAcceptsEvents(t *testing.T) {
	bus := ievents.NewNoOpEventBus()
	bus.Emit(events.Event{Type: events.StoreShutdown})
}
