// Package tensor provides the dense numeric array type synchronized by kvsync
// stores. A Tensor is a fixed-shape float32 array with no internal locking;
// concurrent access is mediated by the store's dependency engine, never by the
// tensor itself.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tensor is a dense float32 array with a fixed shape. The shape is established
// at construction and never changes; element data is mutated in place.
type Tensor struct {
	shape []int
	data  []float32
}

// New creates a zero-filled tensor with the given shape. Each dimension must
// be positive; a tensor must have at least one dimension.
func New(shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("tensor: shape must have at least one dimension")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("tensor: invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{shape: s, data: make([]float32, n)}, nil
}

// MustNew is New for statically known-good shapes; it panics on error.
// Intended for tests and examples.
func MustNew(shape ...int) *Tensor {
	t, err := New(shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// FromSlice creates a tensor with the given shape whose elements are copied
// from data. len(data) must equal the shape's element count.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	t, err := New(shape...)
	if err != nil {
		return nil, err
	}
	if len(data) != len(t.data) {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (want %d)", len(data), shape, len(t.data))
	}
	copy(t.data, data)
	return t, nil
}

// Shape returns the tensor's shape. The returned slice must not be modified.
func (t *Tensor) Shape() []int { return t.shape }

// Len returns the total element count.
func (t *Tensor) Len() int { return len(t.data) }

// Data returns the backing element slice. Mutating it mutates the tensor.
func (t *Tensor) Data() []float32 { return t.data }

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i, d := range t.shape {
		if o.shape[i] != d {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	s := make([]int, len(t.shape))
	copy(s, t.shape)
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return &Tensor{shape: s, data: d}
}

// CopyFrom overwrites t's elements with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.SameShape(src) {
		return fmt.Errorf("tensor: shape mismatch: %v vs %v", t.shape, src.shape)
	}
	copy(t.data, src.data)
	return nil
}

// Add accumulates o into t element-wise. Shapes must match.
func (t *Tensor) Add(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("tensor: shape mismatch: %v vs %v", t.shape, o.shape)
	}
	for i, v := range o.data {
		t.data[i] += v
	}
	return nil
}

// AXPY computes t = t + alpha*o element-wise. Shapes must match.
func (t *Tensor) AXPY(alpha float32, o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("tensor: shape mismatch: %v vs %v", t.shape, o.shape)
	}
	for i, v := range o.data {
		t.data[i] += alpha * v
	}
	return nil
}

// Fill sets every element of t to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Scale multiplies every element of t by alpha.
func (t *Tensor) Scale(alpha float32) {
	for i := range t.data {
		t.data[i] *= alpha
	}
}

// Wire format: uint32 rank, rank*uint32 dims, elements as little-endian
// IEEE-754 float32. Used by the transport layer and nowhere persisted.

// maxWireElems bounds the decoded element count so a corrupt frame cannot
// force a huge allocation, or overflow the count, before the payload length
// check runs.
const maxWireElems = 1 << 30

// AppendWire appends t's wire encoding to buf and returns the extended slice.
func (t *Tensor) AppendWire(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(t.shape)))
	for _, d := range t.shape {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d))
	}
	for _, v := range t.data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

// DecodeWire decodes a tensor from its wire encoding.
func DecodeWire(buf []byte) (*Tensor, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("tensor: wire data truncated (len %d)", len(buf))
	}
	rank := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	if rank == 0 || rank > 8 {
		return nil, fmt.Errorf("tensor: implausible wire rank %d", rank)
	}
	if len(buf) < 4*rank {
		return nil, fmt.Errorf("tensor: wire data truncated in shape")
	}
	shape := make([]int, rank)
	n := 1
	for i := range shape {
		d := int(binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
		if d == 0 || n > maxWireElems/d {
			return nil, fmt.Errorf("tensor: implausible wire dimension %d", d)
		}
		shape[i] = d
		n *= d
	}
	if len(buf) != 4*n {
		return nil, fmt.Errorf("tensor: wire payload length %d does not match shape %v", len(buf), shape)
	}
	t, err := New(shape...)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		t.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
		buf = buf[4:]
	}
	return t, nil
}
