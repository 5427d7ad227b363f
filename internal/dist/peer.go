package dist

import (
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/kvsync-labs/kvsync/internal/transport"
	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
)

// peerConn multiplexes request/response exchanges over one Conn. A single
// receive goroutine dispatches responses to waiters by message ID; sends are
// serialized by the Conn itself. Once the connection fails every in-flight
// and future call returns a TransportError.
type peerConn struct {
	addr string
	conn transport.Conn
	log  kvlog.Logger

	mu      sync.Mutex
	pending map[ulid.ULID]chan *transport.Message
	err     error
	closed  bool
}

func newPeerConn(addr string, conn transport.Conn, log kvlog.Logger) *peerConn {
	p := &peerConn{
		addr:    addr,
		conn:    conn,
		log:     log,
		pending: make(map[ulid.ULID]chan *transport.Message),
	}
	go p.recvLoop()
	return p
}

func (p *peerConn) recvLoop() {
	for {
		m, err := p.conn.Recv()
		if err != nil {
			p.fail(err)
			return
		}
		p.mu.Lock()
		ch, ok := p.pending[m.ID]
		if ok {
			delete(p.pending, m.ID)
		}
		p.mu.Unlock()
		if !ok {
			p.log.Warnf("Dropping uncorrelated %v message from %s", m.Type, p.addr)
			continue
		}
		ch <- m
	}
}

// fail poisons the connection: all waiters and future callers get err.
func (p *peerConn) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = kverrors.NewTransportError(p.addr, err)
	}
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}

// call sends req and blocks for the correlated response. A MsgErr response is
// converted to an error carrying the remote failure text.
func (p *peerConn) call(req *transport.Message) (*transport.Message, error) {
	ch := make(chan *transport.Message, 1)

	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	p.pending[req.ID] = ch
	p.mu.Unlock()

	if err := p.conn.Send(req); err != nil {
		p.mu.Lock()
		delete(p.pending, req.ID)
		p.mu.Unlock()
		return nil, kverrors.NewTransportError(p.addr, err)
	}

	resp, ok := <-ch
	if !ok {
		p.mu.Lock()
		err := p.err
		p.mu.Unlock()
		if err == nil {
			err = kverrors.NewTransportError(p.addr, fmt.Errorf("connection closed"))
		}
		return nil, err
	}
	if resp.Type == transport.MsgErr {
		return nil, fmt.Errorf("peer %s rejected request: %s", p.addr, resp.Body)
	}
	return resp, nil
}

// send transmits a message without expecting a response.
func (p *peerConn) send(m *transport.Message) error {
	if err := p.conn.Send(m); err != nil {
		return kverrors.NewTransportError(p.addr, err)
	}
	return nil
}

func (p *peerConn) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.conn.Close()
}
