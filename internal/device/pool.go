package device

import "sync"

// PoolAllocator recycles released buffers by exact size. Streaming stages
// allocate the same handful of sizes for every message, so exact-size buckets
// hit almost always once the pipeline is warm. Pooled memory is held for the
// lifetime of the allocator.
type PoolAllocator struct {
	base Allocator

	mu   sync.Mutex
	free map[int][]*Buffer
}

// NewPoolAllocator wraps base with a recycling pool.
func NewPoolAllocator(base Allocator) *PoolAllocator {
	return &PoolAllocator{
		base: base,
		free: make(map[int][]*Buffer),
	}
}

func (p *PoolAllocator) Allocate(size int) (*Buffer, error) {
	p.mu.Lock()
	if bucket := p.free[size]; len(bucket) > 0 {
		b := bucket[len(bucket)-1]
		p.free[size] = bucket[:len(bucket)-1]
		p.mu.Unlock()
		poolHits.Inc()
		poolBuffers.Dec()
		// Reused memory is zeroed so it is indistinguishable from a fresh
		// allocation.
		clear(b.data)
		b.refs.Store(1)
		return b, nil
	}
	p.mu.Unlock()

	poolMisses.Inc()
	b, err := p.base.Allocate(size)
	if err != nil {
		return nil, err
	}
	b.free = p.recycle
	return b, nil
}

func (p *PoolAllocator) recycle(b *Buffer) {
	p.mu.Lock()
	p.free[len(b.data)] = append(p.free[len(b.data)], b)
	p.mu.Unlock()
	poolBuffers.Inc()
}
