package dist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kvsync-labs/kvsync/internal/config"
	"github.com/kvsync-labs/kvsync/internal/engine"
	"github.com/kvsync-labs/kvsync/internal/tracing"
	"github.com/kvsync-labs/kvsync/internal/transport"
	v1 "github.com/kvsync-labs/kvsync/pkg/kvsync/v1"
	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/events"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/tensor"
)

// cacheEntry is a worker-local copy of a key's value stamped with the server
// round it was pulled at. In dist_sync mode a pull whose stamp matches the
// latest round the worker has seen is served from cache without a network
// trip; dist_async always refetches because server state advances without
// round boundaries.
type cacheEntry struct {
	round uint64
	val   *tensor.Tensor
}

// workerStore is the worker-side distributed store. Keys are sharded over the
// fixed server set; push and pull bodies run on the dependency engine and do
// the blocking network round trip there, so Wait on a key means the server
// has acknowledged every push for it.
type workerStore struct {
	typeName string
	cluster  *config.Cluster
	rank     int
	log      kvlog.Logger
	tracer   trace.Tracer
	bus      events.Bus
	eng      *engine.Engine

	servers []*peerConn
	sched   *peerConn

	mu     sync.Mutex
	shapes map[int][]int
	cache  map[int]*cacheEntry
	rounds map[int]uint64
	fail   error
	closed bool
}

var _ v1.Store = (*workerStore)(nil)

func newWorkerStore(p Params) (*workerStore, error) {
	engOpts := []engine.Option{}
	if p.EngineWorkers > 0 {
		engOpts = append(engOpts, engine.WithWorkers(p.EngineWorkers))
	}
	if p.MetricsProvider != nil {
		engOpts = append(engOpts, engine.WithMetricsRegistryProvider(p.MetricsProvider))
	}
	eng, err := engine.New(p.Logger, engOpts...)
	if err != nil {
		return nil, err
	}

	s := &workerStore{
		typeName: p.StoreType,
		cluster:  p.Cluster,
		rank:     p.Cluster.Rank,
		log:      p.Logger,
		tracer:   p.TracerProvider.GetTracer("kvsync.store.dist"),
		bus:      p.EventBus,
		eng:      eng,
		shapes:   make(map[int][]int),
		cache:    make(map[int]*cacheEntry),
		rounds:   make(map[int]uint64),
	}

	if err := s.connect(p.Network); err != nil {
		eng.Close()
		s.disconnect()
		return nil, err
	}

	s.bus.Emit(events.Event{
		Type:      events.StoreCreated,
		Timestamp: time.Now(),
		Rank:      s.rank,
		Payload:   map[string]interface{}{"type": p.StoreType, "role": config.RoleWorker},
	})
	s.log.Infof("Worker %d connected to %d servers and scheduler %s", s.rank, len(s.servers), p.Cluster.Scheduler)
	return s, nil
}

// connect dials every server and the scheduler, retrying while peers finish
// binding, and identifies this worker with a Hello on each connection.
func (s *workerStore) connect(net transport.Network) error {
	dialer := transport.NewDialer(net, s.log)
	ctx := context.Background()

	for _, addr := range s.cluster.Servers {
		conn, err := dialer.Dial(ctx, addr)
		if err != nil {
			return err
		}
		pc := newPeerConn(addr, conn, s.log)
		if err := pc.send(s.newMessage(transport.MsgHello)); err != nil {
			return err
		}
		s.servers = append(s.servers, pc)
	}

	conn, err := dialer.Dial(ctx, s.cluster.Scheduler)
	if err != nil {
		return err
	}
	s.sched = newPeerConn(s.cluster.Scheduler, conn, s.log)
	return s.sched.send(s.newMessage(transport.MsgHello))
}

func (s *workerStore) disconnect() {
	for _, pc := range s.servers {
		pc.close()
	}
	if s.sched != nil {
		s.sched.close()
	}
}

func (s *workerStore) newMessage(t transport.MsgType) *transport.Message {
	m := transport.NewMessage(t)
	m.Role = transport.RoleWorker
	m.Sender = int32(s.rank)
	return m
}

func (s *workerStore) serverFor(key int) *peerConn {
	return s.servers[shard(key, len(s.servers))]
}

func (s *workerStore) Type() string { return s.typeName }

// Init registers keys with their owning servers and blocks until every
// registration is acknowledged. Every worker initializes the same keys; the
// server keeps the first registration it sees, so the exchange is idempotent
// across the group while a repeat Init on this worker still fails fast.
func (s *workerStore) Init(keys []int, values []*tensor.Tensor) (err error) {
	_, span := s.tracer.Start(context.Background(), "kvsync.Init",
		trace.WithAttributes(attribute.Int("kvsync.keys", len(keys))))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	if len(keys) != len(values) {
		return kverrors.NewValidationError(
			fmt.Sprintf("Init called with %d keys but %d values", len(keys), len(values)), nil)
	}
	if err := s.healthy(); err != nil {
		return err
	}

	s.mu.Lock()
	for i, k := range keys {
		if values[i] == nil {
			s.mu.Unlock()
			return kverrors.NewValidationError(fmt.Sprintf("Init value for key %d is nil", k), nil)
		}
		if _, exists := s.shapes[k]; exists {
			s.mu.Unlock()
			return kverrors.NewKeyAlreadyInitializedError(k)
		}
	}
	s.mu.Unlock()

	for i, k := range keys {
		req := s.newMessage(transport.MsgInit)
		req.Key = int64(k)
		req.Payload = values[i].AppendWire(nil)
		if _, err := s.serverFor(k).call(req); err != nil {
			s.record(err)
			return err
		}

		s.mu.Lock()
		shape := make([]int, len(values[i].Shape()))
		copy(shape, values[i].Shape())
		s.shapes[k] = shape
		s.mu.Unlock()
		s.bus.Emit(events.Event{Type: events.KeyInitialized, Timestamp: time.Now(), Key: k, Rank: s.rank})
	}
	return nil
}

func (s *workerStore) Push(keys []int, values []*tensor.Tensor, priority int) (err error) {
	_, span := s.tracer.Start(context.Background(), "kvsync.Push",
		trace.WithAttributes(attribute.Int("kvsync.keys", len(keys)), attribute.Int("kvsync.priority", priority)))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	if len(keys) != len(values) {
		return kverrors.NewValidationError(
			fmt.Sprintf("Push called with %d keys but %d values", len(keys), len(values)), nil)
	}
	if err := s.healthy(); err != nil {
		return err
	}
	if err := s.checkShapes(keys, values, "push"); err != nil {
		return err
	}

	// Duplicate keys within one call are summed before anything leaves the
	// worker; the server sees a single contribution per call.
	merged := make(map[int]*tensor.Tensor, len(keys))
	order := make([]int, 0, len(keys))
	for i, k := range keys {
		if acc, ok := merged[k]; ok {
			acc.Add(values[i])
			continue
		}
		merged[k] = values[i].Clone()
		order = append(order, k)
	}

	for _, k := range order {
		key := k
		incoming := merged[k]
		if err := s.eng.Submit(engine.OpSpec{
			Writes:   []int{key},
			Priority: priority,
			Fn:       func() { s.pushOne(key, incoming, priority) },
		}); err != nil {
			return err
		}
	}
	return nil
}

// pushOne does the blocking push round trip inside the engine op. In
// dist_sync the ack arrives only when the key's round closes on the server,
// which is exactly the backpressure that makes Wait a round boundary.
func (s *workerStore) pushOne(key int, incoming *tensor.Tensor, priority int) {
	req := s.newMessage(transport.MsgPush)
	req.Key = int64(key)
	req.Priority = int32(priority)
	req.Payload = incoming.AppendWire(nil)

	resp, err := s.serverFor(key).call(req)
	if err != nil {
		s.record(err)
		s.log.Errorf("Push for key %d failed: %v", key, err)
		return
	}
	s.noteRound(key, resp.Round)
	s.bus.Emit(events.Event{Type: events.PushApplied, Timestamp: time.Now(), Key: key, Rank: s.rank})
}

func (s *workerStore) Pull(keys []int, outs []*tensor.Tensor, priority int) (err error) {
	_, span := s.tracer.Start(context.Background(), "kvsync.Pull",
		trace.WithAttributes(attribute.Int("kvsync.keys", len(keys)), attribute.Int("kvsync.priority", priority)))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	if len(keys) != len(outs) {
		return kverrors.NewValidationError(
			fmt.Sprintf("Pull called with %d keys but %d output buffers", len(keys), len(outs)), nil)
	}
	if err := s.healthy(); err != nil {
		return err
	}
	if err := s.checkShapes(keys, outs, "pull"); err != nil {
		return err
	}

	for i, k := range keys {
		key := k
		out := outs[i]
		if err := s.eng.Submit(engine.OpSpec{
			Reads:    []int{key},
			Priority: priority,
			Fn:       func() { s.pullOne(key, out, priority) },
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *workerStore) pullOne(key int, out *tensor.Tensor, priority int) {
	if s.typeName == v1.TypeDistSync {
		s.mu.Lock()
		ce := s.cache[key]
		if ce != nil && ce.round == s.rounds[key] {
			out.CopyFrom(ce.val)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}

	req := s.newMessage(transport.MsgPull)
	req.Key = int64(key)
	req.Priority = int32(priority)

	resp, err := s.serverFor(key).call(req)
	if err != nil {
		s.record(err)
		s.log.Errorf("Pull for key %d failed: %v", key, err)
		return
	}
	val, err := tensor.DecodeWire(resp.Payload)
	if err != nil {
		s.record(err)
		s.log.Errorf("Pull for key %d returned a malformed payload: %v", key, err)
		return
	}

	s.mu.Lock()
	s.cache[key] = &cacheEntry{round: resp.Round, val: val}
	if resp.Round > s.rounds[key] {
		s.rounds[key] = resp.Round
	}
	s.mu.Unlock()
	out.CopyFrom(val)
}

// noteRound advances the worker's view of a key's closed round.
func (s *workerStore) noteRound(key int, round uint64) {
	s.mu.Lock()
	if round > s.rounds[key] {
		s.rounds[key] = round
	}
	s.mu.Unlock()
}

// SetUpdater on a worker only affects local bookkeeping: the merge itself
// runs on the servers, which install their updater in the server process.
func (s *workerStore) SetUpdater(u v1.Updater) {}

func (s *workerStore) Wait(keys ...int) { s.eng.Wait(keys...) }

func (s *workerStore) WaitAll() { s.eng.WaitAll() }

// Barrier blocks in the scheduler's rendezvous until every worker of the
// group has entered it.
func (s *workerStore) Barrier() (err error) {
	_, span := s.tracer.Start(context.Background(), "kvsync.Barrier")
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	if err := s.healthy(); err != nil {
		return err
	}
	resp, err := s.sched.call(s.newMessage(transport.MsgBarrier))
	if err != nil {
		s.record(err)
		return err
	}
	if resp.Type != transport.MsgBarrierRelease {
		return fmt.Errorf("barrier: unexpected response type %d", resp.Type)
	}
	return nil
}

func (s *workerStore) Rank() int { return s.rank }

func (s *workerStore) GroupSize() int { return s.cluster.Workers }

// SendCommandToServers delivers the command to every server concurrently and
// blocks until all have executed their controller and acknowledged.
func (s *workerStore) SendCommandToServers(cmd int, body string) error {
	if err := s.healthy(); err != nil {
		return err
	}

	errs := make([]error, len(s.servers))
	var wg sync.WaitGroup
	wg.Add(len(s.servers))
	for i, pc := range s.servers {
		go func(i int, pc *peerConn) {
			defer wg.Done()
			req := s.newMessage(transport.MsgCommand)
			req.Cmd = int32(cmd)
			req.Body = body
			_, errs[i] = pc.call(req)
		}(i, pc)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			s.record(err)
			return err
		}
	}
	return nil
}

func (s *workerStore) RunServer(ctrl v1.Controller) error {
	return kverrors.NewNotSupportedError("RunServer", s.typeName+"/worker")
}

// Close drains pending operations and releases connections. The rank-0
// worker additionally broadcasts shutdown to the servers and the scheduler,
// ending their RunServer loops.
func (s *workerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	firstErr := s.fail
	s.mu.Unlock()

	s.eng.WaitAll()
	s.eng.Close()

	if s.rank == 0 {
		for _, pc := range s.servers {
			if err := pc.send(s.newMessage(transport.MsgShutdown)); err != nil {
				s.log.Warnf("Shutdown broadcast to %s failed: %v", pc.addr, err)
			}
		}
		if err := s.sched.send(s.newMessage(transport.MsgShutdown)); err != nil {
			s.log.Warnf("Shutdown broadcast to scheduler failed: %v", err)
		}
	}
	s.disconnect()

	s.bus.Emit(events.Event{Type: events.StoreShutdown, Timestamp: time.Now(), Rank: s.rank})
	s.log.Infof("Worker %d store closed", s.rank)
	return firstErr
}

// healthy fails fast once a transport error has poisoned the store.
func (s *workerStore) healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kverrors.NewConfigError("store is closed", nil)
	}
	return s.fail
}

// record keeps the first asynchronous failure; later calls surface it.
// Transport loss is fatal for the store, so the first one is logged as such
// the moment it is recorded.
func (s *workerStore) record(err error) {
	s.mu.Lock()
	first := s.fail == nil
	if first {
		s.fail = err
	}
	s.mu.Unlock()
	if first && kverrors.IsTransport(err) {
		s.log.Errorf("Fatal transport failure, store is no longer usable: %v", err)
	}
}

func (s *workerStore) checkShapes(keys []int, tensors []*tensor.Tensor, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range keys {
		shape, ok := s.shapes[k]
		if !ok {
			return kverrors.NewKeyNotInitializedError(k, op)
		}
		if tensors[i] == nil {
			return kverrors.NewValidationError(fmt.Sprintf("tensor for key %d is nil", k), nil)
		}
		got := tensors[i].Shape()
		if !shapeEqual(shape, got) {
			return kverrors.NewShapeMismatchError(k, shape, got)
		}
	}
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i, d := range a {
		if b[i] != d {
			return false
		}
	}
	return true
}
