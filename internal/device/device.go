package device

import "fmt"

// DType identifies the element representation of a device buffer. The set is
// closed on purpose: callers dispatch with explicit switches (cast vs no-cast)
// instead of open-ended runtime type inspection.
type DType int

const (
	Bool DType = iota
	Int32
	Int64
	Uint32
	Float32
	Float64
	Utf8 // variable width; lives host-side until repaired to a numeric column
)

// Size returns the element width in bytes, or 0 for variable-width types.
func (d DType) Size() int {
	switch d {
	case Bool:
		return 1
	case Int32, Uint32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// FixedWidth reports whether elements of this type can live in a packed
// device buffer.
func (d DType) FixedWidth() bool {
	return d.Size() > 0
}

func (d DType) String() string {
	switch d {
	case Bool:
		return "bool"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Utf8:
		return "utf8"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Allocator provides device memory. Production allocators plug in here
// (CUDA, Metal, ...); HostAllocator is the in-tree reference used for
// CPU-only builds and tests. Implementations must be safe for concurrent use.
type Allocator interface {
	Allocate(size int) (*Buffer, error)
}

// HostAllocator satisfies Allocator with RAM-backed buffers. The math is
// identical to a real device build, only locality differs.
type HostAllocator struct{}

func NewHostAllocator() *HostAllocator {
	return &HostAllocator{}
}

func (a *HostAllocator) Allocate(size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("device: invalid allocation size %d", size)
	}
	allocsTotal.Inc()
	bytesHeld.Add(float64(size))
	return newBuffer(make([]byte, size), hostFree), nil
}

func hostFree(b *Buffer) {
	freesTotal.Inc()
	bytesHeld.Sub(float64(len(b.data)))
	b.data = nil
}
