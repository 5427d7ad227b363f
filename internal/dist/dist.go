// Package dist implements the distributed kvsync backends: the worker-side
// store that shards keys over a fixed server set, the server receive loop
// that aggregates pushes (bulk-synchronously for dist_sync, immediately for
// dist_async), and the scheduler that hosts the group barrier. Group
// membership is fixed at construction and never changes for the store's
// lifetime.
package dist

import (
	"fmt"

	"github.com/kvsync-labs/kvsync/internal/config"
	"github.com/kvsync-labs/kvsync/internal/transport"
	v1 "github.com/kvsync-labs/kvsync/pkg/kvsync/v1"
	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/events"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"
	kvmetrics "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/metrics"
	kvtracing "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/tracing"
)

// Params carries everything a distributed node needs at construction. The
// store factory fills it from its option set; tests construct it directly.
type Params struct {
	// StoreType is dist_sync or dist_async.
	StoreType string
	// Role is the resolved node role (worker, server or scheduler).
	Role string
	// Cluster is the validated topology.
	Cluster *config.Cluster
	// Network provides connections; websocket in deployments, in-memory in
	// tests.
	Network transport.Network

	Logger          kvlog.Logger
	MetricsProvider kvmetrics.RegistryProvider
	TracerProvider  kvtracing.TracerProvider
	EventBus        events.Bus
	EngineWorkers   int
}

// New creates the store implementation for the node's role. Workers get the
// full data-plane store; servers and the scheduler get control-plane stores
// whose RunServer hosts their receive loop.
func New(p Params) (v1.Store, error) {
	if p.StoreType != v1.TypeDistSync && p.StoreType != v1.TypeDistAsync {
		return nil, kverrors.NewConfigError(fmt.Sprintf("store type %q is not distributed", p.StoreType), nil)
	}
	if p.Cluster == nil {
		return nil, kverrors.NewConfigError("distributed store requires a cluster topology", nil)
	}
	if p.Network == nil {
		return nil, kverrors.NewConfigError("distributed store requires a network", nil)
	}
	if p.Logger == nil {
		return nil, kverrors.NewConfigError("logger cannot be nil", nil)
	}
	if p.TracerProvider == nil {
		return nil, kverrors.NewConfigError("tracer provider cannot be nil", nil)
	}
	if p.EventBus == nil {
		return nil, kverrors.NewConfigError("event bus cannot be nil", nil)
	}

	switch p.Role {
	case config.RoleWorker:
		return newWorkerStore(p)
	case config.RoleServer:
		return newServerStore(p)
	case config.RoleScheduler:
		return newSchedulerStore(p)
	default:
		return nil, kverrors.NewValidationError(fmt.Sprintf("unknown role %q", p.Role), nil)
	}
}

// shard maps a key to its owning server index. Every participant computes the
// same assignment from the shared server list.
func shard(key int, servers int) int {
	idx := key % servers
	if idx < 0 {
		idx += servers
	}
	return idx
}
