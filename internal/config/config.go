// Package config defines and loads the kvsync node configuration: which
// store backend to create, the cluster topology and this node's role within
// it, engine sizing, and logging.
package config

import (
	"fmt"
	"os"
	"strings"

	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
)

// RoleEnvVar is the environment variable consulted once at process start when
// no explicit role is configured. Unset or "worker" selects the worker role.
const RoleEnvVar = "KVSYNC_ROLE"

// Node roles within a distributed group.
const (
	RoleWorker    = "worker"
	RoleServer    = "server"
	RoleScheduler = "scheduler"
)

// Config is the root node configuration.
type Config struct {
	// SchemaVersion gates config compatibility; major version must be v1.
	SchemaVersion string `yaml:"schemaVersion"`
	// Store selects the backend type string passed to the factory
	// (local, dist_sync, dist_async, ...).
	Store string `yaml:"store"`
	// Cluster describes the distributed topology. Required for dist_* store
	// types, ignored by local types.
	Cluster *Cluster `yaml:"cluster,omitempty"`
	// Engine configures the async dependency engine.
	Engine *Engine `yaml:"engine,omitempty"`
	// Log configures the process logger.
	Log *Log `yaml:"log,omitempty"`

	// FilePath records where the config was loaded from (not serialized).
	FilePath string `yaml:"-"`
}

// Cluster describes the distributed group: this node's role and rank, the
// scheduler's address, the fixed server set, and the worker count. Group
// membership is resolved once at construction; it never changes for the
// store's lifetime.
type Cluster struct {
	Role      string   `yaml:"role,omitempty"`
	Rank      int      `yaml:"rank"`
	Scheduler string   `yaml:"scheduler"`
	Servers   []string `yaml:"servers"`
	Workers   int      `yaml:"workers"`
	// Bind is the listen address for server and scheduler roles.
	Bind string `yaml:"bind,omitempty"`
}

// Engine configures the async dependency engine.
type Engine struct {
	// Workers is the size of the shared execution pool; 0 selects
	// runtime.NumCPU().
	Workers int `yaml:"workers,omitempty"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// ResolveRole determines the effective role: an explicit override wins, then
// the config file, then the KVSYNC_ROLE environment variable, then the
// worker default. The environment is read here exactly once per call site;
// callers resolve at process start and pass the result around explicitly.
func (c *Cluster) ResolveRole(override string) (string, error) {
	role := override
	if role == "" && c != nil {
		role = c.Role
	}
	if role == "" {
		role = os.Getenv(RoleEnvVar)
	}
	if role == "" {
		role = RoleWorker
	}
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case RoleWorker, RoleServer, RoleScheduler:
		return role, nil
	default:
		return "", kverrors.NewValidationError(fmt.Sprintf("unknown role %q (want worker, server or scheduler)", role), nil)
	}
}

// GroupSize returns the number of participants in the given role class.
func (c *Cluster) GroupSize(role string) int {
	if c == nil {
		return 1
	}
	switch role {
	case RoleServer:
		return len(c.Servers)
	case RoleScheduler:
		return 1
	default:
		return c.Workers
	}
}
