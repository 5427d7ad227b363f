// Package engine implements the asynchronous dependency engine that orders
// store operations per key. Each key maps to a resource token; submitted
// operations declare which tokens they read and write, and the engine runs
// ready operations on a shared worker pool in priority-then-FIFO order while
// preserving write-after-write, read-after-write and write-after-read
// ordering per token. Operations on disjoint tokens run concurrently.
package engine

import (
	"container/heap"
	"runtime"
	"sync"
	"time"

	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
	kvmetrics "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// OpSpec describes one operation to submit: the key sets it reads and
// writes, a scheduling priority (higher runs first among ready operations),
// and the function executing the operation body on a pool worker.
type OpSpec struct {
	Reads    []int
	Writes   []int
	Priority int
	Fn       func()
}

// operation is the engine-internal representation of a submitted OpSpec.
// deps and dependents are guarded by the engine mutex.
type operation struct {
	seq      uint64
	priority int
	keys     []int // deduplicated union of reads and writes
	fn       func()

	deps       int
	dependents []*operation
	done       bool
}

// resource tracks the dependency frontier of one key: the last enqueued
// writer, the readers issued since that writer, and how many operations
// touching the key are still outstanding.
type resource struct {
	lastWriter        *operation
	readersSinceWrite []*operation
	pending           int
}

// Engine schedules operations over per-key resource tokens on a fixed worker
// pool. Application threads submit and return; only Wait, WaitAll and Close
// block.
type Engine struct {
	log             kvlog.Logger
	workers         int
	metricsProvider kvmetrics.RegistryProvider

	mu        sync.Mutex
	readyCond *sync.Cond // signals workers when the ready heap grows
	doneCond  *sync.Cond // broadcasts on every operation completion
	resources map[int]*resource
	ready     opHeap
	seq       uint64
	pending   int
	closed    bool

	workerWg sync.WaitGroup

	opsExecuted  *prometheus.CounterVec
	opDuration   prometheus.Histogram
	pendingGauge prometheus.Gauge
}

// Option configures an Engine at construction.
type Option func(*Engine) error

// WithWorkers sets the worker pool size; non-positive values are rejected.
func WithWorkers(n int) Option {
	return func(e *Engine) error {
		if n <= 0 {
			return kverrors.NewConfigError("engine worker pool size must be positive", nil)
		}
		e.workers = n
		return nil
	}
}

// WithMetricsRegistryProvider registers the engine's collectors with the
// given provider's registry.
func WithMetricsRegistryProvider(p kvmetrics.RegistryProvider) Option {
	return func(e *Engine) error {
		if p == nil {
			return kverrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		e.metricsProvider = p
		return nil
	}
}

// New creates an Engine and starts its worker pool.
func New(log kvlog.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		return nil, kverrors.NewConfigError("logger cannot be nil", nil)
	}
	e := &Engine{
		log:       log,
		resources: make(map[int]*resource),
		workers:   runtime.NumCPU(),
	}
	e.readyCond = sync.NewCond(&e.mu)
	e.doneCond = sync.NewCond(&e.mu)

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	e.initMetrics()

	e.workerWg.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go e.worker(i)
	}
	e.log.Debugf("Engine started with %d workers", e.workers)
	return e, nil
}

func (e *Engine) initMetrics() {
	if e.metricsProvider == nil {
		return
	}
	reg := e.metricsProvider.Registry()
	if reg == nil {
		e.log.Errorf("Metrics provider returned a nil registry, cannot initialize engine metrics.")
		return
	}

	e.opsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kvsync_engine_ops_total", Help: "Total operations executed by the dependency engine."},
		[]string{"kind"},
	)
	e.opDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "kvsync_engine_op_duration_seconds", Help: "Duration of engine operation bodies in seconds.", Buckets: prometheus.DefBuckets},
	)
	e.pendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "kvsync_engine_pending_ops", Help: "Operations submitted but not yet completed."},
	)

	for _, c := range []prometheus.Collector{e.opsExecuted, e.opDuration, e.pendingGauge} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				e.log.Warnf("Failed to register engine metric collector: %v", err)
			}
		}
	}
}

// Submit enqueues an operation and returns immediately. The operation runs
// once every prior operation it conflicts with (per the read/write rules)
// has completed. Returns an error if the engine is closed.
func (e *Engine) Submit(spec OpSpec) error {
	if spec.Fn == nil {
		return kverrors.NewConfigError("operation function cannot be nil", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return kverrors.NewConfigError("engine is closed", nil)
	}

	e.seq++
	// A key present in both sets is treated as a write.
	writes := dedupe(spec.Writes)
	reads := subtract(dedupe(spec.Reads), writes)

	op := &operation{
		seq:      e.seq,
		priority: spec.Priority,
		keys:     append(append([]int{}, writes...), reads...),
		fn:       spec.Fn,
	}

	depSet := make(map[*operation]bool)
	addDep := func(dep *operation) {
		if dep == nil || dep.done || dep == op || depSet[dep] {
			return
		}
		depSet[dep] = true
		op.deps++
		dep.dependents = append(dep.dependents, op)
	}

	for _, k := range writes {
		res := e.resource(k)
		// Write-after-write and write-after-read.
		addDep(res.lastWriter)
		for _, r := range res.readersSinceWrite {
			addDep(r)
		}
		res.lastWriter = op
		res.readersSinceWrite = nil
		res.pending++
	}
	for _, k := range reads {
		res := e.resource(k)
		// Read-after-write.
		addDep(res.lastWriter)
		res.readersSinceWrite = append(res.readersSinceWrite, op)
		res.pending++
	}

	e.pending++
	if e.pendingGauge != nil {
		e.pendingGauge.Set(float64(e.pending))
	}

	if op.deps == 0 {
		heap.Push(&e.ready, op)
		e.readyCond.Signal()
	}
	return nil
}

// resource returns the tracking entry for key, creating it if absent.
// Caller holds e.mu.
func (e *Engine) resource(key int) *resource {
	res, ok := e.resources[key]
	if !ok {
		res = &resource{}
		e.resources[key] = res
	}
	return res
}

func (e *Engine) worker(id int) {
	defer e.workerWg.Done()
	for {
		e.mu.Lock()
		for e.ready.Len() == 0 && !e.closed {
			e.readyCond.Wait()
		}
		if e.ready.Len() == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		op := heap.Pop(&e.ready).(*operation)
		e.mu.Unlock()

		start := time.Now()
		op.fn()
		if e.opDuration != nil {
			e.opDuration.Observe(time.Since(start).Seconds())
		}

		e.complete(op)
	}
}

// complete marks op done, releases its dependents, retires drained resource
// entries, and wakes waiters.
func (e *Engine) complete(op *operation) {
	e.mu.Lock()
	op.done = true

	for _, k := range op.keys {
		res := e.resources[k]
		if res == nil {
			continue
		}
		res.pending--
		if res.pending == 0 {
			delete(e.resources, k)
		}
	}

	for _, dep := range op.dependents {
		dep.deps--
		if dep.deps == 0 && !dep.done {
			heap.Push(&e.ready, dep)
			e.readyCond.Signal()
		}
	}
	op.dependents = nil

	e.pending--
	if e.pendingGauge != nil {
		e.pendingGauge.Set(float64(e.pending))
	}
	if e.opsExecuted != nil {
		e.opsExecuted.WithLabelValues("op").Inc()
	}
	e.doneCond.Broadcast()
	e.mu.Unlock()
}

// Wait blocks until every previously submitted operation touching any of the
// given keys has completed.
func (e *Engine) Wait(keys ...int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		outstanding := false
		for _, k := range keys {
			if res, ok := e.resources[k]; ok && res.pending > 0 {
				outstanding = true
				break
			}
		}
		if !outstanding {
			return
		}
		e.doneCond.Wait()
	}
}

// WaitAll blocks until every previously submitted operation has completed.
func (e *Engine) WaitAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.pending > 0 {
		e.doneCond.Wait()
	}
}

// Close drains all pending operations, stops the worker pool, and rejects
// further submissions.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for e.pending > 0 {
		e.doneCond.Wait()
	}
	e.readyCond.Broadcast()
	e.mu.Unlock()

	e.workerWg.Wait()
	e.log.Debugf("Engine worker pool shutdown complete.")
}

// dedupe returns keys with duplicates removed, preserving first-seen order.
func dedupe(keys []int) []int {
	if len(keys) <= 1 {
		return keys
	}
	seen := make(map[int]bool, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// subtract returns the elements of a that are not in b.
func subtract(a, b []int) []int {
	if len(a) == 0 || len(b) == 0 {
		return a
	}
	drop := make(map[int]bool, len(b))
	for _, k := range b {
		drop[k] = true
	}
	out := a[:0:0]
	for _, k := range a {
		if !drop[k] {
			out = append(out, k)
		}
	}
	return out
}
