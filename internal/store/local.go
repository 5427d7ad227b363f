package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kvsync-labs/kvsync/internal/engine"
	"github.com/kvsync-labs/kvsync/internal/tracing"
	v1 "github.com/kvsync-labs/kvsync/pkg/kvsync/v1"
	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/events"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/tensor"
)

// localStore aggregates within a single process. All local type strings map
// here: the device placement distinctions the type names carry elsewhere have
// no meaning for this implementation, and each name keeps its factory-visible
// identity via Type().
type localStore struct {
	typeName string
	log      kvlog.Logger
	tracer   trace.Tracer
	bus      events.Bus
	eng      *engine.Engine

	mu      sync.Mutex
	entries map[int]*tensor.Tensor
	updater v1.Updater
	closed  bool

	pushTotal prometheus.Counter
	pullTotal prometheus.Counter
	keyGauge  prometheus.Gauge
}

var _ v1.Store = (*localStore)(nil)

func newLocalStore(typeName string, opts Options) (*localStore, error) {
	engOpts := []engine.Option{}
	if opts.EngineWorkers > 0 {
		engOpts = append(engOpts, engine.WithWorkers(opts.EngineWorkers))
	}
	if opts.MetricsProvider != nil {
		engOpts = append(engOpts, engine.WithMetricsRegistryProvider(opts.MetricsProvider))
	}
	eng, err := engine.New(opts.Logger, engOpts...)
	if err != nil {
		return nil, err
	}

	s := &localStore{
		typeName: typeName,
		log:      opts.Logger,
		tracer:   opts.TracerProvider.GetTracer("kvsync.store.local"),
		bus:      opts.EventBus,
		eng:      eng,
		entries:  make(map[int]*tensor.Tensor),
		updater:  AssignUpdater,
	}
	s.initMetrics(opts)

	s.bus.Emit(events.Event{
		Type:      events.StoreCreated,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"type": typeName},
	})
	return s, nil
}

func (s *localStore) initMetrics(opts Options) {
	if opts.MetricsProvider == nil {
		return
	}
	reg := opts.MetricsProvider.Registry()
	if reg == nil {
		s.log.Errorf("Metrics provider returned a nil registry, cannot initialize store metrics.")
		return
	}

	s.pushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvsync_store_pushes_total", Help: "Total push merges applied by the store.",
	})
	s.pullTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvsync_store_pulls_total", Help: "Total pull reads served by the store.",
	})
	s.keyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvsync_store_keys", Help: "Keys currently initialized in the store.",
	})

	for _, c := range []prometheus.Collector{s.pushTotal, s.pullTotal, s.keyGauge} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				s.log.Warnf("Failed to register store metric collector: %v", err)
			}
		}
	}
}

func (s *localStore) Type() string { return s.typeName }

// Init registers keys synchronously. No engine round trip is needed: the
// contract forbids pushes and pulls before Init, so there is no prior
// operation to order against.
func (s *localStore) Init(keys []int, values []*tensor.Tensor) (err error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kverrors.NewConfigError("store is closed", nil)
	}
	for i, k := range keys {
		if values[i] == nil {
			return kverrors.NewValidationError(fmt.Sprintf("Init value for key %d is nil", k), nil)
		}
		if _, exists := s.entries[k]; exists {
			return kverrors.NewKeyAlreadyInitializedError(k)
		}
		s.entries[k] = values[i].Clone()
		s.bus.Emit(events.Event{Type: events.KeyInitialized, Timestamp: time.Now(), Key: k})
	}
	if s.keyGauge != nil {
		s.keyGauge.Set(float64(len(s.entries)))
	}
	s.log.Debugf("Initialized %d keys (store now holds %d)", len(keys), len(s.entries))
	return nil
}

func (s *localStore) Push(keys []int, values []*tensor.Tensor, priority int) (err error) {
	_, span := s.tracer.Start(context.Background(), "kvsync.Push",
		trace.WithAttributes(attribute.Int("kvsync.keys", len(keys)), attribute.Int("kvsync.priority", priority)))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	merged, order, err := s.prepare(keys, values, "push")
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return kverrors.NewConfigError("store is closed", nil)
	}
	updater := s.updater
	s.mu.Unlock()

	for _, k := range order {
		key := k
		incoming := merged[k]
		if err := s.eng.Submit(engine.OpSpec{
			Writes:   []int{key},
			Priority: priority,
			Fn: func() {
				s.mu.Lock()
				stored := s.entries[key]
				s.mu.Unlock()
				updater(key, incoming, stored)
				if s.pushTotal != nil {
					s.pushTotal.Inc()
				}
				s.bus.Emit(events.Event{Type: events.PushApplied, Timestamp: time.Now(), Key: key})
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *localStore) Pull(keys []int, outs []*tensor.Tensor, priority int) (err error) {
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
	if err := s.checkInitialized(keys, outs, "pull"); err != nil {
		return err
	}

	for i, k := range keys {
		key := k
		out := outs[i]
		if err := s.eng.Submit(engine.OpSpec{
			Reads:    []int{key},
			Priority: priority,
			Fn: func() {
				s.mu.Lock()
				stored := s.entries[key]
				s.mu.Unlock()
				// Shape was checked against stored at submit time.
				out.CopyFrom(stored)
				if s.pullTotal != nil {
					s.pullTotal.Inc()
				}
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *localStore) SetUpdater(u v1.Updater) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		u = AssignUpdater
	}
	s.updater = u
}

func (s *localStore) Wait(keys ...int) { s.eng.Wait(keys...) }

func (s *localStore) WaitAll() { s.eng.WaitAll() }

// Barrier is trivially satisfied: the group has exactly one participant.
func (s *localStore) Barrier() error { return nil }

func (s *localStore) Rank() int { return 0 }

func (s *localStore) GroupSize() int { return 1 }

// SendCommandToServers has no servers to reach and succeeds vacuously,
// letting single-process and distributed call sites share code.
func (s *localStore) SendCommandToServers(cmd int, body string) error { return nil }

func (s *localStore) RunServer(ctrl v1.Controller) error {
	return kverrors.NewNotSupportedError("RunServer", s.typeName)
}

func (s *localStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.eng.Close()
	s.bus.Emit(events.Event{Type: events.StoreShutdown, Timestamp: time.Now()})
	s.log.Debugf("Local store closed.")
	return nil
}

// prepare validates a push batch and sums duplicate keys, returning the
// per-key merged values and the first-seen key order.
func (s *localStore) prepare(keys []int, values []*tensor.Tensor, op string) (map[int]*tensor.Tensor, []int, error) {
	if len(keys) != len(values) {
		return nil, nil, kverrors.NewValidationError(
			fmt.Sprintf("Push called with %d keys but %d values", len(keys), len(values)), nil)
	}
	if err := s.checkInitialized(keys, values, op); err != nil {
		return nil, nil, err
	}

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
	return merged, order, nil
}

// checkInitialized verifies every key is registered and every tensor matches
// the key's initialized shape. Runs synchronously so contract violations fail
// before anything is enqueued.
func (s *localStore) checkInitialized(keys []int, tensors []*tensor.Tensor, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range keys {
		stored, ok := s.entries[k]
		if !ok {
			return kverrors.NewKeyNotInitializedError(k, op)
		}
		if tensors[i] == nil {
			return kverrors.NewValidationError(fmt.Sprintf("tensor for key %d is nil", k), nil)
		}
		if !stored.SameShape(tensors[i]) {
			return kverrors.NewShapeMismatchError(k, stored.Shape(), tensors[i].Shape())
		}
	}
	return nil
}

// AssignUpdater is the default merge strategy: the pushed value replaces the
// stored value.
func AssignUpdater(key int, incoming *tensor.Tensor, stored *tensor.Tensor) {
	stored.CopyFrom(incoming)
}

// SumUpdater accumulates pushed values into the stored value. Matches the
// aggregation behavior distributed servers apply within a round.
func SumUpdater(key int, incoming *tensor.Tensor, stored *tensor.Tensor) {
	stored.Add(incoming)
}
