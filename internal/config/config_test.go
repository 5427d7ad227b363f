package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvsync-labs/kvsync/internal/config"
)

const validDistConfig = `
schemaVersion: v1.0.0
store: dist_sync
cluster:
  role: worker
  rank: 1
  scheduler: "127.0.0.1:9000"
  servers:
    - "127.0.0.1:9100"
    - "127.0.0.1:9101"
  workers: 2
engine:
  workers: 4
log:
  level: debug
  format: json
`

func TestLoadValidDistConfig(t *testing.T) {
	cfg, err := config.Load([]byte(validDistConfig), "test.yaml")
	require.NoError(t, err)

	assert.Equal(t, "dist_sync", cfg.Store)
	require.NotNil(t, cfg.Cluster)
	assert.Equal(t, 1, cfg.Cluster.Rank)
	assert.Equal(t, "127.0.0.1:9000", cfg.Cluster.Scheduler)
	assert.Len(t, cfg.Cluster.Servers, 2)
	assert.Equal(t, 2, cfg.Cluster.Workers)
	require.NotNil(t, cfg.Engine)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, "test.yaml", cfg.FilePath)
}

func TestLoadLocalConfigWithoutCluster(t *testing.T) {
	cfg, err := config.Load([]byte("schemaVersion: v1.0.0\nstore: local\n"), "local.yaml")
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Store)
	assert.Nil(t, cfg.Cluster)
}

func TestLoadRejectsEmptyConfig(t *testing.T) {
	_, err := config.Load(nil, "empty.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownStoreType(t *testing.T) {
	_, err := config.Load([]byte("schemaVersion: v1.0.0\nstore: redis\n"), "bad.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	yaml := "schemaVersion: v1.0.0\nstore: local\nshards: 4\n"
	_, err := config.Load([]byte(yaml), "typo.yaml")
	assert.Error(t, err, "unknown top-level fields must be rejected")
}

func TestLoadRejectsIncompatibleSchemaVersion(t *testing.T) {
	_, err := config.Load([]byte("schemaVersion: v2.0.0\nstore: local\n"), "v2.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not compatible")
}

func TestLoadAcceptsSchemaVersionWithoutPrefix(t *testing.T) {
	_, err := config.Load([]byte("schemaVersion: \"1.0.0\"\nstore: local\n"), "bare.yaml")
	assert.NoError(t, err)
}

func TestLoadRejectsDistWithoutCluster(t *testing.T) {
	_, err := config.Load([]byte("schemaVersion: v1.0.0\nstore: dist_sync\n"), "nocluster.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster")
}

func TestLoadRejectsRankOutOfRange(t *testing.T) {
	yaml := `
schemaVersion: v1.0.0
store: dist_sync
cluster:
  role: worker
  rank: 5
  scheduler: "127.0.0.1:9000"
  servers: ["127.0.0.1:9100"]
  workers: 2
`
	_, err := config.Load([]byte(yaml), "rank.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestLoadRejectsServerRoleWithoutBind(t *testing.T) {
	yaml := `
schemaVersion: v1.0.0
store: dist_sync
cluster:
  role: server
  rank: 0
  scheduler: "127.0.0.1:9000"
  servers: ["127.0.0.1:9100"]
  workers: 1
`
	_, err := config.Load([]byte(yaml), "bind.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}

func TestLoadRejectsDuplicateServers(t *testing.T) {
	yaml := `
schemaVersion: v1.0.0
store: dist_async
cluster:
  role: worker
  rank: 0
  scheduler: "127.0.0.1:9000"
  servers: ["127.0.0.1:9100", "127.0.0.1:9100"]
  workers: 1
`
	_, err := config.Load([]byte(yaml), "dup.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicated")
}

func TestResolveRolePrecedence(t *testing.T) {
	cl := &config.Cluster{Role: "server"}

	role, err := cl.ResolveRole("scheduler")
	require.NoError(t, err)
	assert.Equal(t, config.RoleScheduler, role, "explicit override wins")

	role, err = cl.ResolveRole("")
	require.NoError(t, err)
	assert.Equal(t, config.RoleServer, role, "config role is second")

	t.Setenv(config.RoleEnvVar, "scheduler")
	role, err = (&config.Cluster{}).ResolveRole("")
	require.NoError(t, err)
	assert.Equal(t, config.RoleScheduler, role, "environment is third")

	t.Setenv(config.RoleEnvVar, "")
	role, err = (&config.Cluster{}).ResolveRole("")
	require.NoError(t, err)
	assert.Equal(t, config.RoleWorker, role, "worker is the default")

	_, err = cl.ResolveRole("manager")
	assert.Error(t, err)
}

func TestGroupSizePerRole(t *testing.T) {
	cl := &config.Cluster{
		Servers: []string{"a", "b", "c"},
		Workers: 4,
	}
	assert.Equal(t, 4, cl.GroupSize(config.RoleWorker))
	assert.Equal(t, 3, cl.GroupSize(config.RoleServer))
	assert.Equal(t, 1, cl.GroupSize(config.RoleScheduler))

	var nilCluster *config.Cluster
	assert.Equal(t, 1, nilCluster.GroupSize(config.RoleWorker))
}
