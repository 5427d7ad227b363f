package dist

import (
	"fmt"
	"sync"
	"time"

	"github.com/kvsync-labs/kvsync/internal/config"
	"github.com/kvsync-labs/kvsync/internal/transport"
	v1 "github.com/kvsync-labs/kvsync/pkg/kvsync/v1"
	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/events"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/tensor"
)

// serverEntry is one key's state on its owning server: the stored value, the
// closed-round counter, and for dist_sync the open round's accumulator with
// the replies held back until the round closes.
type serverEntry struct {
	stored *tensor.Tensor
	round  uint64

	buf           *tensor.Tensor
	contributions int
	deferredAcks  []pendingReply
	deferredPulls []pendingReply
}

// pendingReply parks a request whose answer depends on the round closing.
type pendingReply struct {
	conn transport.Conn
	req  *transport.Message
}

// serverStore hosts one shard of the distributed key space. The data plane
// (Init, Push, Pull) is remote-only here: workers drive it over the wire and
// the local methods reject direct use. RunServer is the node's main loop.
//
// In dist_sync mode a key's round closes when every worker has contributed
// one push; only then does the updater run, over the summed contributions,
// and only then are the held push acks and pulls answered. No worker can
// observe a partially aggregated value. In dist_async mode the updater runs
// on arrival and the ack returns immediately.
type serverStore struct {
	typeName string
	cluster  *config.Cluster
	rank     int
	log      kvlog.Logger
	bus      events.Bus
	net      transport.Network
	bind     string

	mu       sync.Mutex
	entries  map[int64]*serverEntry
	updater  v1.Updater
	listener transport.Listener
	conns    []transport.Conn
	running  bool
	stopped  bool
}

var _ v1.Store = (*serverStore)(nil)

func newServerStore(p Params) (*serverStore, error) {
	if p.Cluster.Bind == "" {
		return nil, kverrors.NewConfigError("server role requires a bind address", nil)
	}
	s := &serverStore{
		typeName: p.StoreType,
		cluster:  p.Cluster,
		rank:     p.Cluster.Rank,
		log:      p.Logger,
		bus:      p.EventBus,
		net:      p.Network,
		bind:     p.Cluster.Bind,
		entries:  make(map[int64]*serverEntry),
		updater:  defaultServerUpdater(p.StoreType),
	}
	s.bus.Emit(events.Event{
		Type:      events.StoreCreated,
		Timestamp: time.Now(),
		Rank:      s.rank,
		Payload:   map[string]interface{}{"type": p.StoreType, "role": config.RoleServer},
	})
	return s, nil
}

// defaultServerUpdater matches the aggregation each mode implies when no
// updater is installed: dist_sync assigns the round sum, dist_async
// accumulates each arrival.
func defaultServerUpdater(typeName string) v1.Updater {
	if typeName == v1.TypeDistAsync {
		return func(key int, incoming, stored *tensor.Tensor) { stored.Add(incoming) }
	}
	return func(key int, incoming, stored *tensor.Tensor) { stored.CopyFrom(incoming) }
}

func (s *serverStore) Type() string { return s.typeName }

func (s *serverStore) Init(keys []int, values []*tensor.Tensor) error {
	return kverrors.NewNotSupportedError("Init", s.typeName+"/server")
}

func (s *serverStore) Push(keys []int, values []*tensor.Tensor, priority int) error {
	return kverrors.NewNotSupportedError("Push", s.typeName+"/server")
}

func (s *serverStore) Pull(keys []int, outs []*tensor.Tensor, priority int) error {
	return kverrors.NewNotSupportedError("Pull", s.typeName+"/server")
}

// SetUpdater installs the merge strategy applied to incoming pushes. Install
// before RunServer; swapping mid-round is not supported.
func (s *serverStore) SetUpdater(u v1.Updater) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		u = defaultServerUpdater(s.typeName)
	}
	s.updater = u
}

func (s *serverStore) Wait(keys ...int) {}

func (s *serverStore) WaitAll() {}

func (s *serverStore) Barrier() error { return nil }

func (s *serverStore) Rank() int { return s.rank }

func (s *serverStore) GroupSize() int { return len(s.cluster.Servers) }

func (s *serverStore) SendCommandToServers(cmd int, body string) error {
	return kverrors.NewNotSupportedError("SendCommandToServers", s.typeName+"/server")
}

// RunServer binds the node's listen address and serves worker connections
// until a shutdown message arrives.
func (s *serverStore) RunServer(ctrl v1.Controller) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return kverrors.NewConfigError("server loop already started", nil)
	}
	s.running = true
	s.mu.Unlock()

	l, err := s.net.Listen(s.bind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	s.log.Infof("Server %d listening on %s", s.rank, l.Addr())

	var wg sync.WaitGroup
	for {
		conn, err := l.Accept()
		if err != nil {
			break
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serve(conn, ctrl)
		}()
	}
	wg.Wait()
	s.log.Infof("Server %d loop terminated", s.rank)
	return nil
}

func (s *serverStore) serve(conn transport.Conn, ctrl v1.Controller) {
	for {
		m, err := conn.Recv()
		if err != nil {
			s.bus.Emit(events.Event{
				Type:      events.TransportClosed,
				Timestamp: time.Now(),
				Rank:      s.rank,
				Payload:   map[string]interface{}{"peer": conn.RemoteAddr()},
			})
			return
		}

		switch m.Type {
		case transport.MsgHello:
			s.log.Debugf("Peer connected: role %d rank %d (%s)", m.Role, m.Sender, conn.RemoteAddr())
		case transport.MsgInit:
			s.handleInit(conn, m)
		case transport.MsgPush:
			s.handlePush(conn, m)
		case transport.MsgPull:
			s.handlePull(conn, m)
		case transport.MsgCommand:
			s.handleCommand(conn, m, ctrl)
		case transport.MsgShutdown:
			s.log.Infof("Server %d received shutdown from rank %d", s.rank, m.Sender)
			s.shutdown()
			return
		default:
			s.replyErr(conn, m, fmt.Sprintf("unexpected message type %d", m.Type))
		}
	}
}

// handleInit registers a key. Every worker sends the same registration, so a
// repeat for an existing key acknowledges without touching the stored value.
func (s *serverStore) handleInit(conn transport.Conn, m *transport.Message) {
	val, err := tensor.DecodeWire(m.Payload)
	if err != nil {
		s.replyErr(conn, m, fmt.Sprintf("malformed init payload for key %d: %v", m.Key, err))
		return
	}

	s.mu.Lock()
	entry, exists := s.entries[m.Key]
	if !exists {
		entry = &serverEntry{stored: val}
		s.entries[m.Key] = entry
	} else if !entry.stored.SameShape(val) {
		// First writer wins, but a repeat registration must agree on shape.
		shape := entry.stored.Shape()
		s.mu.Unlock()
		s.replyErr(conn, m, fmt.Sprintf("init shape %v conflicts with key %d shape %v", val.Shape(), m.Key, shape))
		return
	}
	round := entry.round
	s.mu.Unlock()

	if !exists {
		s.bus.Emit(events.Event{Type: events.KeyInitialized, Timestamp: time.Now(), Key: int(m.Key), Rank: s.rank})
	}
	ack := m.Reply(transport.MsgInitAck)
	ack.Round = round
	s.send(conn, ack)
}

func (s *serverStore) handlePush(conn transport.Conn, m *transport.Message) {
	incoming, err := tensor.DecodeWire(m.Payload)
	if err != nil {
		s.replyErr(conn, m, fmt.Sprintf("malformed push payload for key %d: %v", m.Key, err))
		return
	}

	s.mu.Lock()
	entry, ok := s.entries[m.Key]
	if !ok {
		s.mu.Unlock()
		s.replyErr(conn, m, fmt.Sprintf("push for uninitialized key %d", m.Key))
		return
	}
	if !entry.stored.SameShape(incoming) {
		s.mu.Unlock()
		s.replyErr(conn, m, fmt.Sprintf("push shape %v does not match key %d shape %v",
			incoming.Shape(), m.Key, entry.stored.Shape()))
		return
	}

	if s.typeName == v1.TypeDistAsync {
		s.updater(int(m.Key), incoming, entry.stored)
		entry.round++
		round := entry.round
		s.mu.Unlock()

		s.bus.Emit(events.Event{Type: events.PushApplied, Timestamp: time.Now(), Key: int(m.Key), Rank: s.rank})
		ack := m.Reply(transport.MsgPushAck)
		ack.Round = round
		s.send(conn, ack)
		return
	}

	// dist_sync: accumulate and hold the ack until the round closes.
	if entry.buf == nil {
		entry.buf = incoming.Clone()
	} else {
		entry.buf.Add(incoming)
	}
	entry.contributions++
	entry.deferredAcks = append(entry.deferredAcks, pendingReply{conn: conn, req: m})
	if entry.contributions >= s.cluster.Workers {
		s.closeRound(m.Key, entry)
	}
	s.mu.Unlock()
}

// closeRound applies the round sum through the updater, advances the round
// counter and releases every reply held for the round. Caller holds s.mu.
func (s *serverStore) closeRound(key int64, entry *serverEntry) {
	s.updater(int(key), entry.buf, entry.stored)
	entry.round++
	entry.buf = nil
	entry.contributions = 0

	acks := entry.deferredAcks
	pulls := entry.deferredPulls
	entry.deferredAcks = nil
	entry.deferredPulls = nil
	round := entry.round
	payload := entry.stored.AppendWire(nil)

	for _, pr := range acks {
		ack := pr.req.Reply(transport.MsgPushAck)
		ack.Round = round
		s.send(pr.conn, ack)
	}
	for _, pr := range pulls {
		resp := pr.req.Reply(transport.MsgPullResp)
		resp.Round = round
		resp.Payload = payload
		s.send(pr.conn, resp)
	}

	s.bus.Emit(events.Event{
		Type:      events.RoundClosed,
		Timestamp: time.Now(),
		Key:       int(key),
		Rank:      s.rank,
		Payload:   map[string]interface{}{"round": round},
	})
	s.log.Debugf("Round %d closed for key %d (%d acks, %d pulls released)", round, key, len(acks), len(pulls))
}

func (s *serverStore) handlePull(conn transport.Conn, m *transport.Message) {
	s.mu.Lock()
	entry, ok := s.entries[m.Key]
	if !ok {
		s.mu.Unlock()
		s.replyErr(conn, m, fmt.Sprintf("pull for uninitialized key %d", m.Key))
		return
	}

	// A pull that lands while a dist_sync round is open waits for the close
	// so no partially aggregated value ever leaves the server.
	if s.typeName == v1.TypeDistSync && entry.contributions > 0 {
		entry.deferredPulls = append(entry.deferredPulls, pendingReply{conn: conn, req: m})
		s.mu.Unlock()
		return
	}

	resp := m.Reply(transport.MsgPullResp)
	resp.Round = entry.round
	resp.Payload = entry.stored.AppendWire(nil)
	s.mu.Unlock()
	s.send(conn, resp)
}

func (s *serverStore) handleCommand(conn transport.Conn, m *transport.Message, ctrl v1.Controller) {
	if ctrl != nil {
		ctrl(int(m.Cmd), m.Body)
	}
	s.bus.Emit(events.Event{
		Type:      events.CommandExecuted,
		Timestamp: time.Now(),
		Rank:      s.rank,
		Payload:   map[string]interface{}{"cmd": int(m.Cmd)},
	})
	s.send(conn, m.Reply(transport.MsgCommandAck))
}

func (s *serverStore) replyErr(conn transport.Conn, m *transport.Message, text string) {
	s.log.Warnf("Rejecting %d from rank %d: %s", m.Type, m.Sender, text)
	reply := m.Reply(transport.MsgErr)
	reply.Body = text
	s.send(conn, reply)
}

func (s *serverStore) send(conn transport.Conn, m *transport.Message) {
	if err := conn.Send(m); err != nil {
		s.log.Warnf("Send to %s failed: %v", conn.RemoteAddr(), err)
	}
}

// shutdown closes the listener and every connection, unblocking Accept and
// the per-connection loops.
func (s *serverStore) shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	l := s.listener
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	if l != nil {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.bus.Emit(events.Event{Type: events.StoreShutdown, Timestamp: time.Now(), Rank: s.rank})
}

func (s *serverStore) Close() error {
	s.shutdown()
	return nil
}
