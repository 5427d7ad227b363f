// Package v1 defines the public contract of the kvsync store: a distributed
// key-value layer that synchronizes dense numeric tensors across devices and
// machines during iterative optimization.
package v1

import (
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/tensor"
)

// Store type strings accepted by the factory.
const (
	TypeLocal                = "local"
	TypeLocalUpdateCPU       = "local_update_cpu"
	TypeLocalAllreduceCPU    = "local_allreduce_cpu"
	TypeDevice               = "device"
	TypeLocalAllreduceDevice = "local_allreduce_device"
	TypeDistSync             = "dist_sync"
	TypeDistAsync            = "dist_async"
)

// Updater merges an incoming pushed value into the stored value for a key.
// It is the only place stored state is mutated on merge and must be safe to
// invoke repeatedly. The default updater assigns: stored <- incoming.
type Updater func(key int, incoming *tensor.Tensor, stored *tensor.Tensor)

// Controller handles out-of-band commands on server and scheduler nodes in
// response to SendCommandToServers. Side effects are the controller's
// responsibility; the store only guarantees ordered delivery and
// acknowledgment.
type Controller func(cmd int, body string)

// Store is the single contract implemented identically by every backend:
// local multi-device aggregation, bulk-synchronous multi-machine aggregation
// (dist_sync), and asynchronous multi-machine aggregation (dist_async).
//
// Push and Pull are non-blocking enqueue operations; Wait, WaitAll, Barrier
// and SendCommandToServers are the only blocking calls.
type Store interface {
	// Type returns the factory type string this store was created with.
	Type() string

	// Init registers each key with its initial value. It returns only after
	// the registration is durable for this process. Initializing a key twice
	// is a contract violation and fails fast.
	Init(keys []int, values []*tensor.Tensor) error

	// Push enqueues an asynchronous merge of values into the store and
	// returns immediately. If a key repeats within the call, its values are
	// summed before the updater runs. Every key must have been initialized
	// and every value must match the key's initialized shape.
	Push(keys []int, values []*tensor.Tensor, priority int) error

	// Pull enqueues an asynchronous read of each key's current value into the
	// caller-owned, pre-allocated output buffer and returns immediately. A
	// pull issued after a push on the same key observes the merged value.
	Pull(keys []int, outs []*tensor.Tensor, priority int) error

	// SetUpdater installs the merge strategy used for all subsequent pushes.
	SetUpdater(u Updater)

	// Wait blocks until all previously enqueued operations on the given keys
	// have completed.
	Wait(keys ...int)

	// WaitAll blocks until every previously enqueued operation has completed.
	WaitAll()

	// Barrier blocks until every participant in the distributed group has
	// called Barrier. It carries no payload and does not flush pending
	// pushes or pulls; callers needing completion must Wait first. For
	// non-distributed stores it returns immediately.
	Barrier() error

	// Rank returns this participant's index within its role group
	// (0 for non-distributed stores).
	Rank() int

	// GroupSize returns the number of participants in this participant's
	// role group (1 for non-distributed stores).
	GroupSize() int

	// SendCommandToServers blocks until every server node has executed the
	// controller callback for the command and acknowledged it.
	SendCommandToServers(cmd int, body string) error

	// RunServer runs the blocking receive loop on server and scheduler
	// nodes, dispatching commands to ctrl and key-value updates to the
	// updater. It returns after an explicit shutdown signal.
	RunServer(ctrl Controller) error

	// Close releases the store's resources. On the rank-0 worker of a
	// distributed group it also signals server and scheduler shutdown.
	Close() error
}
