package device

import (
	"sync/atomic"
	"unsafe"
)

// Buffer is a reference-counted handle to a single device allocation. Every
// tensor view over a packed allocation shares the same Buffer; the last
// Release returns the memory to its allocator.
type Buffer struct {
	data []byte
	refs atomic.Int32
	free func(*Buffer)
}

func newBuffer(data []byte, free func(*Buffer)) *Buffer {
	b := &Buffer{data: data, free: free}
	b.refs.Store(1)
	return b
}

// Retain increments the reference count and returns b for chaining.
func (b *Buffer) Retain() *Buffer {
	b.refs.Add(1)
	return b
}

// Release decrements the reference count, freeing the allocation when it
// reaches zero. Releasing an already-freed buffer panics.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	if n < 0 {
		panic("device: buffer released after free")
	}
	if n == 0 && b.free != nil {
		b.free(b)
	}
}

// Refs returns the current reference count.
func (b *Buffer) Refs() int {
	return int(b.refs.Load())
}

// Len returns the allocation size in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes exposes the host-visible backing of the allocation.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Float32s reinterprets the allocation as float32 elements without copying.
func (b *Buffer) Float32s() []float32 {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// Float64s reinterprets the allocation as float64 elements without copying.
func (b *Buffer) Float64s() []float64 {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b.data[0])), len(b.data)/8)
}

// Int32s reinterprets the allocation as int32 elements without copying.
func (b *Buffer) Int32s() []int32 {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// Int64s reinterprets the allocation as int64 elements without copying.
func (b *Buffer) Int64s() []int64 {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b.data[0])), len(b.data)/8)
}

// Uint32s reinterprets the allocation as uint32 elements without copying.
func (b *Buffer) Uint32s() []uint32 {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// Bools reinterprets the allocation as one-byte booleans without copying.
func (b *Buffer) Bools() []bool {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*bool)(unsafe.Pointer(&b.data[0])), len(b.data))
}
