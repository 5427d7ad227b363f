package store

import (
	"fmt"

	"github.com/kvsync-labs/kvsync/internal/dist"
	ievents "github.com/kvsync-labs/kvsync/internal/events"
	"github.com/kvsync-labs/kvsync/internal/logger"
	"github.com/kvsync-labs/kvsync/internal/tracing"
	"github.com/kvsync-labs/kvsync/internal/transport"
	v1 "github.com/kvsync-labs/kvsync/pkg/kvsync/v1"
	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
)

// localTypes maps every factory type string served by the in-process
// aggregator. The device placement distinctions the names carry have no
// meaning here and collapse onto one implementation.
var localTypes = map[string]bool{
	v1.TypeLocal:                true,
	v1.TypeLocalUpdateCPU:       true,
	v1.TypeLocalAllreduceCPU:    true,
	v1.TypeDevice:               true,
	v1.TypeLocalAllreduceDevice: true,
}

// Create builds a store from its factory type string. Unknown type strings
// are rejected; dist types additionally require a cluster topology.
func Create(typeName string, opts ...Option) (v1.Store, error) {
	o := Options{}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if err := applyDefaults(&o); err != nil {
		return nil, err
	}

	switch {
	case localTypes[typeName]:
		return newLocalStore(typeName, o)

	case typeName == v1.TypeDistSync || typeName == v1.TypeDistAsync:
		if o.Cluster == nil {
			return nil, kverrors.NewConfigError(
				fmt.Sprintf("store type %q requires a cluster topology", typeName), nil)
		}
		role, err := o.Cluster.ResolveRole(o.RoleOverride)
		if err != nil {
			return nil, err
		}
		if o.Network == nil {
			o.Network = transport.NewWSNetwork()
		}
		return dist.New(dist.Params{
			StoreType:       typeName,
			Role:            role,
			Cluster:         o.Cluster,
			Network:         o.Network,
			Logger:          o.Logger,
			MetricsProvider: o.MetricsProvider,
			TracerProvider:  o.TracerProvider,
			EventBus:        o.EventBus,
			EngineWorkers:   o.EngineWorkers,
		})

	default:
		return nil, kverrors.NewConfigError(fmt.Sprintf("unknown store type %q", typeName), nil)
	}
}

func applyDefaults(o *Options) error {
	if o.Logger == nil {
		o.Logger = logger.NewDefaultLogger("info")
	}
	if o.TracerProvider == nil {
		tp, err := tracing.NewNoOpProvider()
		if err != nil {
			return err
		}
		o.TracerProvider = tp
	}
	if o.EventBus == nil {
		o.EventBus = ievents.NewNoOpEventBus()
	}
	return nil
}
