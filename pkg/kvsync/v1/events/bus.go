package events

import "time"

// EventType represents the type of a kvsync store event.
type EventType string

// Standard kvsync event types.
const (
	StoreCreated    EventType = "StoreCreated"
	KeyInitialized  EventType = "KeyInitialized"
	PushApplied     EventType = "PushApplied"     // merge executed for a key
	RoundClosed     EventType = "RoundClosed"     // aggregation round completed on a server
	BarrierReleased EventType = "BarrierReleased" // scheduler released a barrier generation
	CommandExecuted EventType = "CommandExecuted" // controller ran for a command
	StoreShutdown   EventType = "StoreShutdown"
	TransportClosed EventType = "TransportClosed" // peer connection terminated
)

// Event represents a significant occurrence within a kvsync node.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`
	// Timestamp marks when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Key identifies the tensor key involved, if applicable.
	Key int `json:"key,omitempty"`
	// Rank identifies the emitting participant, if applicable.
	Rank int `json:"rank,omitempty"`
	// Payload contains event-specific data.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus defines the interface for publishing events. Implementations must not
// block the store core; slow consumers should buffer or drop.
type Bus interface {
	// Emit publishes an event to the bus.
	Emit(event Event)
}
