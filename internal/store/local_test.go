package store_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvsync-labs/kvsync/internal/logger"
	"github.com/kvsync-labs/kvsync/internal/metrics"
	"github.com/kvsync-labs/kvsync/internal/store"
	v1 "github.com/kvsync-labs/kvsync/pkg/kvsync/v1"
	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/tensor"
)

func newLocal(t *testing.T, opts ...store.Option) v1.Store {
	t.Helper()
	opts = append([]store.Option{store.WithLogger(logger.NewDefaultLogger("error"))}, opts...)
	st, err := store.Create(v1.TypeLocal, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateRejectsUnknownType(t *testing.T) {
	_, err := store.Create("consistent_hashing")
	assert.Error(t, err)
}

func TestCreateDistRequiresCluster(t *testing.T) {
	_, err := store.Create(v1.TypeDistSync)
	assert.Error(t, err)
}

func TestLocalTypeStringIsPreserved(t *testing.T) {
	for _, typeName := range []string{
		v1.TypeLocal, v1.TypeLocalUpdateCPU, v1.TypeLocalAllreduceCPU,
		v1.TypeDevice, v1.TypeLocalAllreduceDevice,
	} {
		st, err := store.Create(typeName, store.WithLogger(logger.NewDefaultLogger("error")))
		require.NoError(t, err)
		assert.Equal(t, typeName, st.Type())
		st.Close()
	}
}

func TestInitThenPull(t *testing.T) {
	st := newLocal(t)

	init, err := tensor.FromSlice([]float32{1, 2, 3}, 3)
	require.NoError(t, err)
	require.NoError(t, st.Init([]int{3}, []*tensor.Tensor{init}))

	out := tensor.MustNew(3)
	require.NoError(t, st.Pull([]int{3}, []*tensor.Tensor{out}, 0))
	st.Wait(3)
	assert.Equal(t, []float32{1, 2, 3}, out.Data())
}

func TestInitIsDeepCopied(t *testing.T) {
	st := newLocal(t)

	init := tensor.MustNew(2)
	require.NoError(t, st.Init([]int{1}, []*tensor.Tensor{init}))
	init.Fill(9)

	out := tensor.MustNew(2)
	require.NoError(t, st.Pull([]int{1}, []*tensor.Tensor{out}, 0))
	st.Wait(1)
	assert.Equal(t, []float32{0, 0}, out.Data())
}

func TestDoubleInitFailsFast(t *testing.T) {
	st := newLocal(t)

	require.NoError(t, st.Init([]int{5}, []*tensor.Tensor{tensor.MustNew(2)}))
	err := st.Init([]int{5}, []*tensor.Tensor{tensor.MustNew(2)})
	require.Error(t, err)
	var dup *kverrors.KeyAlreadyInitializedError
	assert.ErrorAs(t, err, &dup)
	assert.True(t, kverrors.IsPrecondition(err))
}

func TestPushBeforeInitFails(t *testing.T) {
	st := newLocal(t)
	err := st.Push([]int{9}, []*tensor.Tensor{tensor.MustNew(2)}, 0)
	var notInit *kverrors.KeyNotInitializedError
	require.ErrorAs(t, err, &notInit)
	assert.Equal(t, 9, notInit.Key)
}

func TestPushShapeMismatchFails(t *testing.T) {
	st := newLocal(t)
	require.NoError(t, st.Init([]int{1}, []*tensor.Tensor{tensor.MustNew(2, 2)}))

	err := st.Push([]int{1}, []*tensor.Tensor{tensor.MustNew(4)}, 0)
	var shape *kverrors.ShapeMismatchError
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, []int{2, 2}, shape.Want)
	assert.Equal(t, []int{4}, shape.Got)
}

func TestDefaultUpdaterAssigns(t *testing.T) {
	st := newLocal(t)
	require.NoError(t, st.Init([]int{2}, []*tensor.Tensor{tensor.MustNew(2)}))

	push, err := tensor.FromSlice([]float32{5, 6}, 2)
	require.NoError(t, err)
	require.NoError(t, st.Push([]int{2}, []*tensor.Tensor{push}, 0))

	out := tensor.MustNew(2)
	require.NoError(t, st.Pull([]int{2}, []*tensor.Tensor{out}, 0))
	st.Wait(2)
	assert.Equal(t, []float32{5, 6}, out.Data())
}

func TestDuplicateKeysInOnePushAreSummed(t *testing.T) {
	st := newLocal(t)
	st.SetUpdater(store.SumUpdater)
	require.NoError(t, st.Init([]int{4}, []*tensor.Tensor{tensor.MustNew(2)}))

	a, err := tensor.FromSlice([]float32{1, 1}, 2)
	require.NoError(t, err)
	b, err := tensor.FromSlice([]float32{2, 2}, 2)
	require.NoError(t, err)

	// One call, same key twice: values sum before the updater runs once.
	require.NoError(t, st.Push([]int{4, 4}, []*tensor.Tensor{a, b}, 0))

	out := tensor.MustNew(2)
	require.NoError(t, st.Pull([]int{4}, []*tensor.Tensor{out}, 0))
	st.Wait(4)
	assert.Equal(t, []float32{3, 3}, out.Data())
}

func TestPullObservesPrecedingPush(t *testing.T) {
	st := newLocal(t)
	st.SetUpdater(store.SumUpdater)
	require.NoError(t, st.Init([]int{8}, []*tensor.Tensor{tensor.MustNew(1)}))

	one, err := tensor.FromSlice([]float32{1}, 1)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, st.Push([]int{8}, []*tensor.Tensor{one.Clone()}, 0))
	}
	out := tensor.MustNew(1)
	require.NoError(t, st.Pull([]int{8}, []*tensor.Tensor{out}, 0))
	st.Wait(8)
	assert.Equal(t, []float32{20}, out.Data())
}

func TestSetUpdaterAffectsSubsequentPushes(t *testing.T) {
	st := newLocal(t)
	require.NoError(t, st.Init([]int{6}, []*tensor.Tensor{tensor.MustNew(1)}))

	v, err := tensor.FromSlice([]float32{10}, 1)
	require.NoError(t, err)
	require.NoError(t, st.Push([]int{6}, []*tensor.Tensor{v.Clone()}, 0))
	st.Wait(6)

	st.SetUpdater(func(key int, incoming, stored *tensor.Tensor) {
		stored.AXPY(0.5, incoming)
	})
	require.NoError(t, st.Push([]int{6}, []*tensor.Tensor{v.Clone()}, 0))

	out := tensor.MustNew(1)
	require.NoError(t, st.Pull([]int{6}, []*tensor.Tensor{out}, 0))
	st.Wait(6)
	assert.Equal(t, []float32{15}, out.Data())
}

func TestLocalGroupIdentity(t *testing.T) {
	st := newLocal(t)
	assert.Equal(t, 0, st.Rank())
	assert.Equal(t, 1, st.GroupSize())
	assert.NoError(t, st.Barrier())
	assert.NoError(t, st.SendCommandToServers(1, "noop"))

	err := st.RunServer(nil)
	var notSupported *kverrors.NotSupportedError
	assert.ErrorAs(t, err, &notSupported)
}

func TestLocalMetricsAreRecorded(t *testing.T) {
	provider := metrics.NewPrometheusRegistryProvider()
	st := newLocal(t, store.WithMetricsRegistryProvider(provider))

	require.NoError(t, st.Init([]int{1}, []*tensor.Tensor{tensor.MustNew(1)}))
	require.NoError(t, st.Push([]int{1}, []*tensor.Tensor{tensor.MustNew(1)}, 0))
	out := tensor.MustNew(1)
	require.NoError(t, st.Pull([]int{1}, []*tensor.Tensor{out}, 0))
	st.WaitAll()

	g, err := provider.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(g))
	for _, mf := range g {
		names[mf.GetName()] = true
	}
	assert.True(t, names["kvsync_store_pushes_total"])
	assert.True(t, names["kvsync_store_pulls_total"])
	assert.True(t, names["kvsync_store_keys"])
	assert.True(t, names["kvsync_engine_ops_total"])

	keys, err := testutil.GatherAndCount(provider.Registry(), "kvsync_store_keys")
	require.NoError(t, err)
	assert.Equal(t, 1, keys)
}

func TestCloseIsIdempotent(t *testing.T) {
	st, err := store.Create(v1.TypeLocal, store.WithLogger(logger.NewDefaultLogger("error")))
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	assert.Error(t, st.Init([]int{1}, []*tensor.Tensor{tensor.MustNew(1)}))
}
