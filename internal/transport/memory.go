package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemNetwork is an in-process Network: addresses are plain strings in a
// shared registry and connections are channel pipes. Used by tests and by
// single-process clusters that run every role in one binary.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
}

// NewMemNetwork creates an empty in-memory network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]*memListener)}
}

// Listen binds addr in the registry.
func (n *MemNetwork) Listen(addr string) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.listeners[addr]; exists {
		return nil, fmt.Errorf("transport: address %q already bound", addr)
	}
	l := &memListener{
		net:     n,
		addr:    addr,
		backlog: make(chan Conn, 16),
		done:    make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dial connects to a bound address, handing the listener the server side of
// a fresh pipe.
func (n *MemNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: no listener at %q", addr)
	}

	client, server := Pipe(addr, "client")
	select {
	case l.backlog <- server:
		return client, nil
	case <-l.done:
		return nil, fmt.Errorf("transport: listener at %q closed", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *MemNetwork) unbind(addr string) {
	n.mu.Lock()
	delete(n.listeners, addr)
	n.mu.Unlock()
}

type memListener struct {
	net     *MemNetwork
	addr    string
	backlog chan Conn
	done    chan struct{}
	once    sync.Once
}

func (l *memListener) Accept() (Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-l.done:
		return nil, fmt.Errorf("transport: listener at %q closed", l.addr)
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.unbind(l.addr)
	})
	return nil
}

func (l *memListener) Addr() string { return l.addr }

// Pipe returns two connected in-memory Conns. Messages sent on one side are
// received on the other in order. Closing either side fails both directions.
func Pipe(addrA, addrB string) (Conn, Conn) {
	ab := make(chan *Message, 64)
	ba := make(chan *Message, 64)
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	a := &memConn{remote: addrB, out: ab, in: ba, done: doneA, peerDone: doneB}
	b := &memConn{remote: addrA, out: ba, in: ab, done: doneB, peerDone: doneA}
	return a, b
}

type memConn struct {
	remote   string
	out      chan *Message
	in       chan *Message
	done     chan struct{}
	peerDone chan struct{}
	once     sync.Once
}

func (c *memConn) Send(m *Message) error {
	// A closed endpoint must fail every Send even while buffer space remains,
	// so the done channels are checked before the message is offered. A
	// combined select would pick randomly between a ready done case and a
	// ready buffered send.
	select {
	case <-c.done:
		return fmt.Errorf("transport: connection to %s closed", c.remote)
	case <-c.peerDone:
		return fmt.Errorf("transport: peer %s closed the connection", c.remote)
	default:
	}
	select {
	case <-c.done:
		return fmt.Errorf("transport: connection to %s closed", c.remote)
	case <-c.peerDone:
		return fmt.Errorf("transport: peer %s closed the connection", c.remote)
	case c.out <- m:
		return nil
	}
}

func (c *memConn) Recv() (*Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.done:
		return nil, fmt.Errorf("transport: connection to %s closed", c.remote)
	case <-c.peerDone:
		// Drain messages the peer sent before closing.
		select {
		case m := <-c.in:
			return m, nil
		default:
		}
		return nil, fmt.Errorf("transport: peer %s closed the connection", c.remote)
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *memConn) RemoteAddr() string { return c.remote }
