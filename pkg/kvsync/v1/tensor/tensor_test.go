package tensor_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvsync-labs/kvsync/pkg/kvsync/v1/tensor"
)

func TestNewRejectsInvalidShapes(t *testing.T) {
	_, err := tensor.New()
	assert.Error(t, err, "empty shape must be rejected")

	_, err = tensor.New(3, 0)
	assert.Error(t, err, "zero dimension must be rejected")

	_, err = tensor.New(-2)
	assert.Error(t, err, "negative dimension must be rejected")
}

func TestNewZeroFills(t *testing.T) {
	tr, err := tensor.New(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, tr.Shape())
	assert.Equal(t, 6, tr.Len())
	for _, v := range tr.Data() {
		assert.Equal(t, float32(0), v)
	}
}

func TestFromSliceLengthMismatch(t *testing.T) {
	_, err := tensor.FromSlice([]float32{1, 2, 3}, 2, 2)
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	a, err := tensor.FromSlice([]float32{1, 2}, 2)
	require.NoError(t, err)
	b := a.Clone()
	b.Data()[0] = 99
	assert.Equal(t, float32(1), a.Data()[0])
}

func TestAddAndAXPY(t *testing.T) {
	a := tensor.MustNew(2)
	a.Fill(1)
	b, err := tensor.FromSlice([]float32{2, 4}, 2)
	require.NoError(t, err)

	require.NoError(t, a.Add(b))
	assert.Equal(t, []float32{3, 5}, a.Data())

	require.NoError(t, a.AXPY(0.5, b))
	assert.Equal(t, []float32{4, 7}, a.Data())

	c := tensor.MustNew(3)
	assert.Error(t, a.Add(c), "shape mismatch must be rejected")
}

func TestScaleAndFill(t *testing.T) {
	a, err := tensor.FromSlice([]float32{1, -2, 3}, 3)
	require.NoError(t, err)
	a.Scale(2)
	assert.Equal(t, []float32{2, -4, 6}, a.Data())
	a.Fill(7)
	assert.Equal(t, []float32{7, 7, 7}, a.Data())
}

func TestCopyFromShapeMismatch(t *testing.T) {
	a := tensor.MustNew(2, 2)
	b := tensor.MustNew(4)
	assert.Error(t, a.CopyFrom(b))
	assert.False(t, a.SameShape(b))
}

func TestWireRoundTrip(t *testing.T) {
	a, err := tensor.FromSlice([]float32{1.5, -2.25, 0, 1e20}, 2, 2)
	require.NoError(t, err)

	buf := a.AppendWire(nil)
	b, err := tensor.DecodeWire(buf)
	require.NoError(t, err)
	assert.Equal(t, a.Shape(), b.Shape())
	assert.Equal(t, a.Data(), b.Data())
}

func TestDecodeWireRejectsCorruptInput(t *testing.T) {
	_, err := tensor.DecodeWire(nil)
	assert.Error(t, err)

	_, err = tensor.DecodeWire([]byte{0, 0, 0, 0})
	assert.Error(t, err, "zero rank must be rejected")

	a := tensor.MustNew(3)
	buf := a.AppendWire(nil)
	_, err = tensor.DecodeWire(buf[:len(buf)-2])
	assert.Error(t, err, "truncated payload must be rejected")
}

func TestDecodeWireRejectsOversizedShape(t *testing.T) {
	// A frame whose dims multiply out far beyond the payload must be
	// rejected before any element buffer is allocated, not after.
	buf := binary.LittleEndian.AppendUint32(nil, 8)
	for i := 0; i < 8; i++ {
		buf = binary.LittleEndian.AppendUint32(buf, 0xFFFFFFFF)
	}
	_, err := tensor.DecodeWire(buf)
	assert.Error(t, err)

	buf = binary.LittleEndian.AppendUint32(nil, 2)
	buf = binary.LittleEndian.AppendUint32(buf, 3)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	_, err = tensor.DecodeWire(buf)
	assert.Error(t, err, "zero wire dimension must be rejected")
}
