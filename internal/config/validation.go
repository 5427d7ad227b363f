package config

import (
	"fmt"
	"strings"

	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
)

// distStoreTypes are the backend types that require a cluster block.
var distStoreTypes = map[string]bool{
	"dist_sync":  true,
	"dist_async": true,
}

// localStoreTypes are the single-process backend types.
var localStoreTypes = map[string]bool{
	"local":                  true,
	"local_update_cpu":       true,
	"local_allreduce_cpu":    true,
	"device":                 true,
	"local_allreduce_device": true,
}

// ValidateStructure performs logical validation of the parsed Config that
// the JSON schema cannot express: cross-field consistency between the store
// type and the cluster topology. It returns every validation error found.
func ValidateStructure(c *Config) []error {
	var errs []error

	if !distStoreTypes[c.Store] && !localStoreTypes[c.Store] {
		errs = append(errs, kverrors.NewValidationError(fmt.Sprintf("unknown store type '%s'", c.Store), nil))
	}

	if distStoreTypes[c.Store] {
		if c.Cluster == nil {
			errs = append(errs, kverrors.NewValidationError(fmt.Sprintf("store type '%s' requires a 'cluster' block", c.Store), nil))
			return errs
		}
		errs = append(errs, validateCluster(c.Cluster)...)
	}

	if c.Engine != nil && c.Engine.Workers < 0 {
		errs = append(errs, kverrors.NewValidationError("engine workers cannot be negative", nil))
	}

	return errs
}

// validateCluster checks topology consistency: addresses present, rank within
// the role group, bind address for listening roles.
func validateCluster(cl *Cluster) []error {
	var errs []error

	role, err := cl.ResolveRole("")
	if err != nil {
		errs = append(errs, err)
		role = RoleWorker
	}

	if strings.TrimSpace(cl.Scheduler) == "" {
		errs = append(errs, kverrors.NewValidationError("cluster scheduler address is required", nil))
	}
	if len(cl.Servers) == 0 {
		errs = append(errs, kverrors.NewValidationError("cluster must list at least one server address", nil))
	}
	seen := make(map[string]bool, len(cl.Servers))
	for i, addr := range cl.Servers {
		if strings.TrimSpace(addr) == "" {
			errs = append(errs, kverrors.NewValidationError(fmt.Sprintf("cluster server %d has an empty address", i), nil))
			continue
		}
		if seen[addr] {
			errs = append(errs, kverrors.NewValidationError(fmt.Sprintf("cluster server address '%s' is duplicated", addr), nil))
		}
		seen[addr] = true
	}
	if cl.Workers < 1 {
		errs = append(errs, kverrors.NewValidationError("cluster worker count must be at least 1", nil))
	}

	if cl.Rank < 0 {
		errs = append(errs, kverrors.NewValidationError("cluster rank cannot be negative", nil))
	} else if size := cl.GroupSize(role); cl.Rank >= size && size > 0 {
		errs = append(errs, kverrors.NewValidationError(fmt.Sprintf("rank %d out of range for role '%s' (group size %d)", cl.Rank, role, size), nil))
	}

	if (role == RoleServer || role == RoleScheduler) && strings.TrimSpace(cl.Bind) == "" {
		errs = append(errs, kverrors.NewValidationError(fmt.Sprintf("role '%s' requires a 'bind' address", role), nil))
	}

	return errs
}
