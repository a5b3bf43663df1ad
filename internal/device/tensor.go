package device

import "fmt"

// Tensor is a typed, strided view over a Buffer. Views are cheap descriptors:
// slicing or re-striding never copies elements, it only adjusts shape, stride
// and offset over a retained buffer. Strides and offsets are expressed in
// element units.
type Tensor struct {
	buf    *Buffer
	dtype  DType
	shape  []int
	stride []int
	offset int
}

// NewTensor wraps buf in a compact row-major view and retains the buffer.
func NewTensor(buf *Buffer, dtype DType, shape []int) *Tensor {
	return NewTensorStrided(buf, dtype, shape, CompactStrides(shape), 0)
}

// NewTensorStrided wraps buf with explicit strides and element offset and
// retains the buffer. Shape and stride ranks must match.
func NewTensorStrided(buf *Buffer, dtype DType, shape, stride []int, offset int) *Tensor {
	if len(shape) != len(stride) {
		panic(fmt.Sprintf("device: shape rank %d does not match stride rank %d", len(shape), len(stride)))
	}
	if !dtype.FixedWidth() {
		panic(fmt.Sprintf("device: %s tensors are not supported", dtype))
	}
	return &Tensor{
		buf:    buf.Retain(),
		dtype:  dtype,
		shape:  shape,
		stride: stride,
		offset: offset,
	}
}

// CompactStrides returns the row-major strides of a densely packed tensor
// with the given shape.
func CompactStrides(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

// Release drops the view's reference on the underlying buffer. The tensor
// must not be used afterwards.
func (t *Tensor) Release() {
	t.buf.Release()
}

// Retain adds a reference on the underlying buffer and returns t.
func (t *Tensor) Retain() *Tensor {
	t.buf.Retain()
	return t
}

// Buffer returns the backing allocation without changing its reference count.
func (t *Tensor) Buffer() *Buffer {
	return t.buf
}

func (t *Tensor) DType() DType {
	return t.dtype
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Shape returns the view's extents. Callers must not mutate the slice.
func (t *Tensor) Shape() []int {
	return t.shape
}

// Stride returns the view's strides in element units. Callers must not
// mutate the slice.
func (t *Tensor) Stride() []int {
	return t.stride
}

// Offset returns the element offset of the view's first element.
func (t *Tensor) Offset() int {
	return t.offset
}

// NumElements returns the number of addressable elements in the view.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// Contiguous reports whether the view's elements are densely packed in
// row-major order.
func (t *Tensor) Contiguous() bool {
	acc := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if t.shape[i] != 1 && t.stride[i] != acc {
			return false
		}
		acc *= t.shape[i]
	}
	return true
}

// Slice returns a no-copy view covering [start[i], stop[i]) along every
// dimension. The view retains the shared buffer.
func (t *Tensor) Slice(start, stop []int) (*Tensor, error) {
	if len(start) != len(t.shape) || len(stop) != len(t.shape) {
		return nil, fmt.Errorf("device: slice rank %d/%d does not match tensor rank %d", len(start), len(stop), len(t.shape))
	}
	offset := t.offset
	shape := make([]int, len(t.shape))
	for i := range t.shape {
		if start[i] < 0 || stop[i] > t.shape[i] || start[i] >= stop[i] {
			return nil, fmt.Errorf("device: slice [%d:%d) out of range for dim %d of size %d", start[i], stop[i], i, t.shape[i])
		}
		offset += start[i] * t.stride[i]
		shape[i] = stop[i] - start[i]
	}
	stride := append([]int(nil), t.stride...)
	return NewTensorStrided(t.buf, t.dtype, shape, stride, offset), nil
}

// ElemStrides returns the strides normalized to element units. Some producers
// express strides in bytes; dividing every component by the smallest non-zero
// one recovers element counts in either convention.
func (t *Tensor) ElemStrides() []int {
	min := 0
	for _, s := range t.stride {
		if s > 0 && (min == 0 || s < min) {
			min = s
		}
	}
	out := make([]int, len(t.stride))
	copy(out, t.stride)
	if min <= 1 {
		return out
	}
	for i := range out {
		out[i] /= min
	}
	return out
}

// ElemOffset returns the buffer element position of the element at idx,
// including the view offset. Indices out of range panic.
func (t *Tensor) ElemOffset(idx ...int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("device: index rank %d does not match tensor rank %d", len(idx), len(t.shape)))
	}
	pos := t.offset
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("device: index %d out of range for dim %d of size %d", x, i, t.shape[i]))
		}
		pos += x * t.stride[i]
	}
	return pos
}

// At reads the element at idx widened to float64. This is a host-visible
// debugging accessor, not a compute path.
func (t *Tensor) At(idx ...int) float64 {
	pos := t.ElemOffset(idx...)
	switch t.dtype {
	case Float32:
		return float64(t.buf.Float32s()[pos])
	case Float64:
		return t.buf.Float64s()[pos]
	case Int32:
		return float64(t.buf.Int32s()[pos])
	case Int64:
		return float64(t.buf.Int64s()[pos])
	case Uint32:
		return float64(t.buf.Uint32s()[pos])
	case Bool:
		if t.buf.Bools()[pos] {
			return 1
		}
		return 0
	default:
		panic(fmt.Sprintf("device: At on %s tensor", t.dtype))
	}
}

// Bool reads the element at idx as a boolean. Panics on non-Bool tensors.
func (t *Tensor) Bool(idx ...int) bool {
	if t.dtype != Bool {
		panic(fmt.Sprintf("device: Bool on %s tensor", t.dtype))
	}
	return t.buf.Bools()[t.ElemOffset(idx...)]
}
