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

// schedulerStore hosts the group rendezvous. Barriers run in generations: a
// generation collects one entry per worker and releases them together, so a
// straggler from generation n can never be released by generation n+1.
type schedulerStore struct {
	typeName string
	cluster  *config.Cluster
	log      kvlog.Logger
	bus      events.Bus
	net      transport.Network
	bind     string

	mu         sync.Mutex
	generation uint64
	waiting    []pendingReply
	listener   transport.Listener
	conns      []transport.Conn
	running    bool
	stopped    bool
}

var _ v1.Store = (*schedulerStore)(nil)

func newSchedulerStore(p Params) (*schedulerStore, error) {
	bind := p.Cluster.Bind
	if bind == "" {
		bind = p.Cluster.Scheduler
	}
	if bind == "" {
		return nil, kverrors.NewConfigError("scheduler role requires a bind address", nil)
	}
	s := &schedulerStore{
		typeName: p.StoreType,
		cluster:  p.Cluster,
		log:      p.Logger,
		bus:      p.EventBus,
		net:      p.Network,
		bind:     bind,
	}
	s.bus.Emit(events.Event{
		Type:      events.StoreCreated,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"type": p.StoreType, "role": config.RoleScheduler},
	})
	return s, nil
}

func (s *schedulerStore) Type() string { return s.typeName }

func (s *schedulerStore) Init(keys []int, values []*tensor.Tensor) error {
	return kverrors.NewNotSupportedError("Init", s.typeName+"/scheduler")
}

func (s *schedulerStore) Push(keys []int, values []*tensor.Tensor, priority int) error {
	return kverrors.NewNotSupportedError("Push", s.typeName+"/scheduler")
}

func (s *schedulerStore) Pull(keys []int, outs []*tensor.Tensor, priority int) error {
	return kverrors.NewNotSupportedError("Pull", s.typeName+"/scheduler")
}

func (s *schedulerStore) SetUpdater(u v1.Updater) {}

func (s *schedulerStore) Wait(keys ...int) {}

func (s *schedulerStore) WaitAll() {}

func (s *schedulerStore) Barrier() error { return nil }

func (s *schedulerStore) Rank() int { return 0 }

func (s *schedulerStore) GroupSize() int { return 1 }

func (s *schedulerStore) SendCommandToServers(cmd int, body string) error {
	return kverrors.NewNotSupportedError("SendCommandToServers", s.typeName+"/scheduler")
}

// RunServer serves barrier and command traffic until a shutdown message
// arrives.
func (s *schedulerStore) RunServer(ctrl v1.Controller) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return kverrors.NewConfigError("scheduler loop already started", nil)
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
	s.log.Infof("Scheduler listening on %s", l.Addr())

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
	s.log.Infof("Scheduler loop terminated")
	return nil
}

func (s *schedulerStore) serve(conn transport.Conn, ctrl v1.Controller) {
	for {
		m, err := conn.Recv()
		if err != nil {
			s.bus.Emit(events.Event{
				Type:      events.TransportClosed,
				Timestamp: time.Now(),
				Payload:   map[string]interface{}{"peer": conn.RemoteAddr()},
			})
			return
		}

		switch m.Type {
		case transport.MsgHello:
			s.log.Debugf("Peer connected: role %d rank %d (%s)", m.Role, m.Sender, conn.RemoteAddr())
		case transport.MsgBarrier:
			s.handleBarrier(conn, m)
		case transport.MsgCommand:
			if ctrl != nil {
				ctrl(int(m.Cmd), m.Body)
			}
			s.bus.Emit(events.Event{
				Type:      events.CommandExecuted,
				Timestamp: time.Now(),
				Payload:   map[string]interface{}{"cmd": int(m.Cmd)},
			})
			s.send(conn, m.Reply(transport.MsgCommandAck))
		case transport.MsgShutdown:
			s.log.Infof("Scheduler received shutdown from rank %d", m.Sender)
			s.shutdown()
			return
		default:
			reply := m.Reply(transport.MsgErr)
			reply.Body = fmt.Sprintf("unexpected message type %d", m.Type)
			s.send(conn, reply)
		}
	}
}

// handleBarrier parks the caller until the current generation is full, then
// releases the whole generation at once.
func (s *schedulerStore) handleBarrier(conn transport.Conn, m *transport.Message) {
	s.mu.Lock()
	s.waiting = append(s.waiting, pendingReply{conn: conn, req: m})
	if len(s.waiting) < s.cluster.Workers {
		s.mu.Unlock()
		return
	}

	released := s.waiting
	s.waiting = nil
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	for _, pr := range released {
		resp := pr.req.Reply(transport.MsgBarrierRelease)
		resp.Round = gen
		s.send(pr.conn, resp)
	}
	s.bus.Emit(events.Event{
		Type:      events.BarrierReleased,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"generation": gen, "workers": len(released)},
	})
	s.log.Debugf("Barrier generation %d released %d workers", gen, len(released))
}

func (s *schedulerStore) send(conn transport.Conn, m *transport.Message) {
	if err := conn.Send(m); err != nil {
		s.log.Warnf("Send to %s failed: %v", conn.RemoteAddr(), err)
	}
}

func (s *schedulerStore) shutdown() {
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
	s.bus.Emit(events.Event{Type: events.StoreShutdown, Timestamp: time.Now()})
}

func (s *schedulerStore) Close() error {
	s.shutdown()
	return nil
}
