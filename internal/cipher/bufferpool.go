package cipher

import (
	"sync"
	"sync/atomic"
)

// Stream chunk size bounds, per spec.md §4.2: default matches the wire
// default of 1 MiB; Min/Max bound caller-supplied sizes to something
// between "pointless overhead" and "defeats streaming's purpose".
const (
	DefaultChunkSize = 1024 * 1024
	MinChunkSize     = 16 * 1024
	MaxChunkSize     = 8 * 1024 * 1024
)

// BufferPool pools the byte buffers the stream cipher allocates per chunk:
// a small pool sized to this package's default chunk size plus AEAD
// overhead, with atomic hit/miss counters for internal/metrics to export.
type BufferPool struct {
	chunks *sync.Pool

	hits, misses int64
}

// NewBufferPool returns a BufferPool sized for DefaultChunkSize chunks.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		chunks: &sync.Pool{
			New: func() interface{} {
				return make([]byte, DefaultChunkSize+64)
			},
		},
	}
}

// Get returns a buffer with capacity >= size. Buffers larger than the
// pool's chunk size bypass the pool entirely.
func (p *BufferPool) Get(size int) []byte {
	if size > DefaultChunkSize+64 {
		atomic.AddInt64(&p.misses, 1)
		return make([]byte, size)
	}
	buf := p.chunks.Get().([]byte)
	atomic.AddInt64(&p.hits, 1)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns buf to the pool. Buffers that don't match the pool's chunk
// capacity are dropped (left for the garbage collector) rather than pooled
// at the wrong size.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) != DefaultChunkSize+64 {
		return
	}
	full := buf[:cap(buf)]
	for i := range full {
		full[i] = 0
	}
	p.chunks.Put(full)
}

// Stats reports cumulative hit/miss counts for metrics export.
func (p *BufferPool) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&p.hits), atomic.LoadInt64(&p.misses)
}
