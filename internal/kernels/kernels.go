// Package kernels holds the elementwise device kernels the stages dispatch.
// Every kernel reads through tensor strides, so callers can hand in sliced or
// transposed views without materializing them first.
package kernels

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
)

var (
	ErrShape = errors.New("kernels: shape mismatch")
	ErrDType = errors.New("kernels: unsupported dtype")
)

// Threshold marks every element of a [rows, cols] probability tensor that is
// greater than or equal to thresh, writing a compact boolean tensor of the
// same shape. Float32 inputs are compared in float32 so results match the
// producer's precision; boolean inputs pass through as 0/1.
func Threshold(alloc device.Allocator, probs *device.Tensor, thresh float64) (*device.Tensor, error) {
	shape := probs.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: threshold wants rank 2, got %v", ErrShape, shape)
	}
	rows, cols := shape[0], shape[1]
	stride := probs.ElemStrides()
	offset := probs.Offset()

	buf, err := alloc.Allocate(rows * cols)
	if err != nil {
		return nil, fmt.Errorf("threshold output: %w", err)
	}
	out := buf.Bools()

	switch probs.DType() {
	case device.Float32:
		in := probs.Buffer().Float32s()
		t32 := float32(thresh)
		for r := 0; r < rows; r++ {
			base := offset + r*stride[0]
			for c := 0; c < cols; c++ {
				out[r*cols+c] = in[base+c*stride[1]] >= t32
			}
		}
	case device.Float64:
		in := probs.Buffer().Float64s()
		for r := 0; r < rows; r++ {
			base := offset + r*stride[0]
			for c := 0; c < cols; c++ {
				out[r*cols+c] = in[base+c*stride[1]] >= thresh
			}
		}
	case device.Bool:
		in := probs.Buffer().Bools()
		for r := 0; r < rows; r++ {
			base := offset + r*stride[0]
			for c := 0; c < cols; c++ {
				v := 0.0
				if in[base+c*stride[1]] {
					v = 1.0
				}
				out[r*cols+c] = v >= thresh
			}
		}
	default:
		buf.Release()
		return nil, fmt.Errorf("%w: threshold on %s", ErrDType, probs.DType())
	}

	kernelInvocations.WithLabelValues("threshold").Inc()
	kernelElements.WithLabelValues("threshold").Add(float64(rows * cols))
	t := device.NewTensor(buf, device.Bool, []int{rows, cols})
	buf.Release()
	return t, nil
}

// Transpose returns a rank-2 view with the dimensions exchanged. No elements
// move; the view shares the input buffer with swapped shape and strides.
func Transpose(t *device.Tensor) (*device.Tensor, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("%w: transpose wants rank 2, got %v", ErrShape, shape)
	}
	stride := t.Stride()
	kernelInvocations.WithLabelValues("transpose").Inc()
	return device.NewTensorStrided(t.Buffer(), t.DType(),
		[]int{shape[1], shape[0]},
		[]int{stride[1], stride[0]},
		t.Offset()), nil
}

// SegIDs builds the [count, 3] uint32 index tensor that accompanies a packed
// feature block: row r carries (r, 0, numFeatures-1), the row's position in
// the window plus the inclusive feature span.
func SegIDs(alloc device.Allocator, count, numFeatures int) (*device.Tensor, error) {
	if count <= 0 || numFeatures <= 0 {
		return nil, fmt.Errorf("%w: seg ids for count=%d features=%d", ErrShape, count, numFeatures)
	}
	buf, err := alloc.Allocate(count * 3 * device.Uint32.Size())
	if err != nil {
		return nil, fmt.Errorf("seg ids: %w", err)
	}
	ids := buf.Uint32s()
	last := uint32(numFeatures - 1)
	for r := 0; r < count; r++ {
		ids[r*3+0] = uint32(r)
		ids[r*3+1] = 0
		ids[r*3+2] = last
	}
	kernelInvocations.WithLabelValues("seg_ids").Inc()
	kernelElements.WithLabelValues("seg_ids").Add(float64(count * 3))
	t := device.NewTensor(buf, device.Uint32, []int{count, 3})
	buf.Release()
	return t, nil
}

// Cast converts a fixed-width tensor to the target dtype into a fresh compact
// tensor. A cast to the tensor's own dtype is a no-op that retains and
// returns the input, preserving its bits exactly.
func Cast(alloc device.Allocator, t *device.Tensor, to device.DType) (*device.Tensor, error) {
	if !t.DType().FixedWidth() {
		return nil, fmt.Errorf("%w: cast from %s", ErrDType, t.DType())
	}
	if to != device.Float32 && to != device.Float64 {
		return nil, fmt.Errorf("%w: cast to %s", ErrDType, to)
	}
	if t.DType() == to {
		return t.Retain(), nil
	}

	shape := t.Shape()
	n := t.NumElements()
	buf, err := alloc.Allocate(n * to.Size())
	if err != nil {
		return nil, fmt.Errorf("cast output: %w", err)
	}

	idx := make([]int, len(shape))
	var f32 []float32
	var f64 []float64
	if to == device.Float32 {
		f32 = buf.Float32s()
	} else {
		f64 = buf.Float64s()
	}
	for i := 0; i < n; i++ {
		v := t.At(idx...)
		if f32 != nil {
			f32[i] = float32(v)
		} else {
			f64[i] = v
		}
		advance(idx, shape)
	}

	kernelInvocations.WithLabelValues("cast").Inc()
	kernelElements.WithLabelValues("cast").Add(float64(n))
	out := device.NewTensor(buf, to, shape)
	buf.Release()
	return out, nil
}

// CopyStrided copies src into dst elementwise. Both tensors must share shape
// and dtype; either side may be an arbitrary strided view.
func CopyStrided(dst, src *device.Tensor) error {
	if dst.DType() != src.DType() {
		return fmt.Errorf("%w: copy %s into %s", ErrDType, src.DType(), dst.DType())
	}
	if !equalShape(dst.Shape(), src.Shape()) {
		return fmt.Errorf("%w: copy %v into %v", ErrShape, src.Shape(), dst.Shape())
	}
	size := dst.DType().Size()
	sb, db := src.Buffer().Bytes(), dst.Buffer().Bytes()

	n := src.NumElements()
	idx := make([]int, len(src.Shape()))
	for i := 0; i < n; i++ {
		spos := src.ElemOffset(idx...) * size
		dpos := dst.ElemOffset(idx...) * size
		copy(db[dpos:dpos+size], sb[spos:spos+size])
		advance(idx, src.Shape())
	}

	kernelInvocations.WithLabelValues("copy").Inc()
	kernelElements.WithLabelValues("copy").Add(float64(n))
	return nil
}

// advance steps a multi-dimensional index odometer-style, last dim fastest.
func advance(idx, shape []int) {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < shape[d] {
			return
		}
		idx[d] = 0
	}
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
