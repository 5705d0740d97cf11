package pipesock

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrInvalidBufferSize is returned when a buffer of the wrong size is released to a BufferPool.
var ErrInvalidBufferSize = errors.New("invalid buffer size")

// BufferPool recycles byte buffers of a single canonical size.
//
// The pool never evicts: it grows to the high-water mark of buffers in flight
// at the same time and keeps them for the lifetime of the pool. It is safe for
// concurrent use by any number of goroutines.
type BufferPool struct {
	size int

	mu   sync.Mutex
	free [][]byte
}

// NewBufferPool creates a pool handing out buffers of exactly size bytes.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{size: size}
}

// Take returns a previously released buffer, or allocates a new one.
func (p *BufferPool) Take() []byte {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return buf
	}
	p.mu.Unlock()

	return make([]byte, p.size)
}

// Release hands buf back to the pool. The caller must not touch buf afterwards.
func (p *BufferPool) Release(buf []byte) error {
	if len(buf) != p.size {
		return errors.Wrapf(ErrInvalidBufferSize, "got %d bytes, pool size is %d", len(buf), p.size)
	}

	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
	return nil
}

// Count returns the number of idle buffers held by the pool.
func (p *BufferPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size returns the canonical buffer size.
func (p *BufferPool) Size() int {
	return p.size
}
