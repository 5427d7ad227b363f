// Package transport defines the message-channel boundary used by the
// distributed coordinator: a typed Message, a binary wire codec, and
// Conn/Listener/Network abstractions with an in-memory implementation for
// tests and single-process clusters and a websocket implementation for
// multi-machine deployments.
//
// The transport guarantees ordered, reliable delivery per connection and
// nothing more. Retries, reconnection policy and peer discovery live with
// the caller.
package transport

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// MsgType discriminates the messages exchanged between workers, servers and
// the scheduler.
type MsgType uint8

const (
	// MsgHello identifies the sender (role, rank) right after connecting.
	MsgHello MsgType = iota + 1
	// MsgInit registers a key with its initial value on the owning server.
	MsgInit
	// MsgInitAck confirms a MsgInit.
	MsgInitAck
	// MsgPush carries a pushed value for one key.
	MsgPush
	// MsgPushAck confirms a MsgPush; in BSP mode it is deferred until the
	// key's round closes.
	MsgPushAck
	// MsgPull requests the current value of one key.
	MsgPull
	// MsgPullResp carries the pulled value and the key's round stamp.
	MsgPullResp
	// MsgBarrier enters the group rendezvous on the scheduler.
	MsgBarrier
	// MsgBarrierRelease releases one barrier generation.
	MsgBarrierRelease
	// MsgCommand carries an out-of-band command to a server's controller.
	MsgCommand
	// MsgCommandAck confirms controller execution of a command.
	MsgCommandAck
	// MsgShutdown terminates a server or scheduler receive loop.
	MsgShutdown
	// MsgErr reports a remote failure for a specific request.
	MsgErr
)

// Sender roles carried in Hello and request messages.
const (
	RoleWorker    uint8 = 0
	RoleServer    uint8 = 1
	RoleScheduler uint8 = 2
)

// Message is the single unit of exchange on a Conn. Fields are used
// per-type; unused fields stay zero and cost a few header bytes on the wire.
type Message struct {
	// ID correlates requests with their responses.
	ID ulid.ULID
	// Type selects the handler on the receiving node.
	Type MsgType
	// Role and Sender identify the originating participant.
	Role   uint8
	Sender int32
	// Key names the tensor the message concerns.
	Key int64
	// Priority is the issuing caller's scheduling hint. Servers do not
	// reorder on it.
	Priority int32
	// Round is the server's BSP round stamp for the key.
	Round uint64
	// Cmd is the command id for MsgCommand/MsgCommandAck.
	Cmd int32
	// Body carries command bodies and error text.
	Body string
	// Payload carries a wire-encoded tensor for Init/Push/PullResp.
	Payload []byte
}

// NewMessage creates a message of the given type with a fresh ULID.
func NewMessage(t MsgType) *Message {
	return &Message{ID: ulid.Make(), Type: t}
}

// Reply creates a response message of the given type correlated to m.
func (m *Message) Reply(t MsgType) *Message {
	return &Message{ID: m.ID, Type: t, Key: m.Key, Cmd: m.Cmd, Round: m.Round}
}

// Conn is one ordered, reliable message channel between two participants.
// Send is safe for concurrent use; Recv expects a single receiving
// goroutine.
type Conn interface {
	Send(m *Message) error
	Recv() (*Message, error)
	Close() error
	// RemoteAddr names the peer for diagnostics.
	RemoteAddr() string
}

// Listener accepts inbound connections on a bound address.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	// Addr returns the bound address (useful when binding to port 0).
	Addr() string
}

// Network creates listeners and outbound connections. Implementations:
// in-memory (tests, single-process clusters) and websocket.
type Network interface {
	Listen(addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}
