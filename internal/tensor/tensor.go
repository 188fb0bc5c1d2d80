// Package tensor is the minimal host-side tensor container the runtime
// moves through the driver: a dtype, a shape, and a flat byte buffer. The
// enclosing framework's tensor type converts to and from this one at the
// operator boundary.
package tensor

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DType identifies the element type of a tensor.
type DType string

const (
	F16  DType = "F16"  // IEEE 754 half-precision float (2 bytes)
	BF16 DType = "BF16" // Brain floating-point (2 bytes)
	F32  DType = "F32"  // IEEE 754 single-precision float (4 bytes)
	F64  DType = "F64"  // IEEE 754 double-precision float (8 bytes)
	I8   DType = "I8"   // Signed 8-bit integer
	I16  DType = "I16"  // Signed 16-bit integer
	I32  DType = "I32"  // Signed 32-bit integer
	I64  DType = "I64"  // Signed 64-bit integer
	U8   DType = "U8"   // Unsigned 8-bit integer
	U16  DType = "U16"  // Unsigned 16-bit integer
	U32  DType = "U32"  // Unsigned 32-bit integer
	U64  DType = "U64"  // Unsigned 64-bit integer
)

// BytesPerElement returns the element width of a dtype, 0 when unknown.
func (d DType) BytesPerElement() int {
	switch d {
	case F16, BF16, I16, U16:
		return 2
	case F32, I32, U32:
		return 4
	case F64, I64, U64:
		return 8
	case I8, U8:
		return 1
	default:
		return 0
	}
}

// Valid reports whether d names a supported dtype.
func (d DType) Valid() bool { return d.BytesPerElement() != 0 }

// Shape is the dimension vector of a tensor.
type Shape []int64

// NumElements returns the product of all dimensions.
func (s Shape) NumElements() int64 {
	n := int64(1)
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Equal reports elementwise equality.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// WithDim0 returns a copy of the shape with the leading dimension replaced.
func (s Shape) WithDim0(d int64) Shape {
	out := s.Clone()
	if len(out) > 0 {
		out[0] = d
	}
	return out
}

// ByteSize returns the buffer size a tensor of this dtype and shape needs.
func ByteSize(d DType, s Shape) int {
	return int(s.NumElements()) * d.BytesPerElement()
}

// Tensor is a dense host tensor over a flat byte buffer.
type Tensor struct {
	dtype DType
	shape Shape
	data  []byte
}

// New allocates a zero-filled tensor.
func New(d DType, s Shape) *Tensor {
	return &Tensor{dtype: d, shape: s.Clone(), data: make([]byte, ByteSize(d, s))}
}

// NewWithBuffer wraps an existing buffer (for example a shared-memory
// mapping) without copying. The buffer must be at least ByteSize large.
func NewWithBuffer(d DType, s Shape, buf []byte) *Tensor {
	return &Tensor{dtype: d, shape: s.Clone(), data: buf[:ByteSize(d, s)]}
}

// NewFromBytes builds a tensor over data, rejecting size mismatches.
func NewFromBytes(d DType, s Shape, data []byte) (*Tensor, error) {
	if len(data) != ByteSize(d, s) {
		return nil, status.Errorf(codes.InvalidArgument,
			"tensor data size %d does not match dtype %s shape %v (want %d)",
			len(data), d, s, ByteSize(d, s))
	}
	return &Tensor{dtype: d, shape: s.Clone(), data: data}, nil
}

func (t *Tensor) DType() DType  { return t.dtype }
func (t *Tensor) Shape() Shape  { return t.shape }
func (t *Tensor) Bytes() []byte { return t.data }
func (t *Tensor) ByteSize() int { return len(t.data) }

// RowBytes returns the byte size of one slice along the leading dimension.
func (t *Tensor) RowBytes() int64 {
	if len(t.shape) == 0 || t.shape[0] == 0 {
		return int64(len(t.data))
	}
	return int64(len(t.data)) / t.shape[0]
}

// SliceRows returns a view over rows [start, limit) along the leading
// dimension. The view shares the backing buffer.
func (t *Tensor) SliceRows(start, limit int64) *Tensor {
	rb := t.RowBytes()
	return &Tensor{
		dtype: t.dtype,
		shape: t.shape.WithDim0(limit - start),
		data:  t.data[start*rb : limit*rb],
	}
}

// CopyFrom copies src into the tensor's buffer. A source larger than the
// target is out of range; a shorter source fills a prefix.
func (t *Tensor) CopyFrom(src []byte) error {
	if len(src) > len(t.data) {
		return status.Errorf(codes.OutOfRange,
			"unexpected tensor size in copy, source size: %d, target size: %d",
			len(src), len(t.data))
	}
	copy(t.data, src)
	return nil
}

// Zero clears the tensor's buffer.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}
