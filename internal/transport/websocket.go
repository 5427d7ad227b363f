package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 30 * time.Second
	wsReadBufferSize   = 1 << 16
	wsWriteBufferSize  = 1 << 16
)

// WSNetwork is a Network over websocket connections. Each Message travels as
// one binary frame holding its wire encoding, so frame boundaries double as
// message boundaries and no length-prefix stream framing is needed.
type WSNetwork struct {
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewWSNetwork creates a websocket Network with default buffer sizes and
// handshake timeouts.
func NewWSNetwork() *WSNetwork {
	return &WSNetwork{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufferSize,
			// Participants are identified by the Hello exchange, not by
			// origin, and deployments sit on a trusted cluster network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: wsHandshakeTimeout,
			ReadBufferSize:   wsReadBufferSize,
			WriteBufferSize:  wsWriteBufferSize,
		},
	}
}

// Listen binds a TCP listener on addr and serves websocket upgrades on it.
// Accepted connections are queued until Accept collects them.
func (n *WSNetwork) Listen(addr string) (Listener, error) {
	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, kverrors.NewTransportError(addr, err)
	}

	l := &wsListener{
		tcp:     tcp,
		backlog: make(chan Conn, 16),
		done:    make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := n.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newWSConn(ws)
		select {
		case l.backlog <- c:
		case <-l.done:
			ws.Close()
		}
	})
	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(tcp)
	return l, nil
}

// Dial connects to a websocket listener at host:port.
func (n *WSNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	url := fmt.Sprintf("ws://%s/", addr)
	ws, _, err := n.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, kverrors.NewTransportError(addr, err)
	}
	return newWSConn(ws), nil
}

type wsListener struct {
	tcp     net.Listener
	srv     *http.Server
	backlog chan Conn
	done    chan struct{}
	once    sync.Once
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-l.done:
		return nil, fmt.Errorf("transport: listener at %s closed", l.Addr())
	}
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}

func (l *wsListener) Addr() string { return l.tcp.Addr().String() }

// wsConn adapts a *websocket.Conn to the Conn interface. gorilla permits at
// most one concurrent writer, so Send serializes on a mutex; Recv relies on
// the single-reader contract of Conn.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Send(m *Message) error {
	frame := m.AppendWire(nil)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return kverrors.NewTransportError(c.RemoteAddr(), err)
	}
	return nil
}

func (c *wsConn) Recv() (*Message, error) {
	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			return nil, kverrors.NewTransportError(c.RemoteAddr(), err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		m, err := DecodeWire(frame)
		if err != nil {
			return nil, kverrors.NewTransportError(c.RemoteAddr(), err)
		}
		return m, nil
	}
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
