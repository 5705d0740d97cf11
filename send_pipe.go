package pipesock

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

type sendEntry struct {
	buf []byte // pooled
	n   int
}

// SendPipe queues outbound payloads for one connection. The consumer
// goroutine enqueues; the connection's send goroutine drains everything that
// is pending in one go.
type SendPipe struct {
	pool      *BufferPool
	logger    Logger
	highWater int

	mu      sync.Mutex
	entries *queue.Queue
}

// NewSendPipe creates a send pipe copying payloads into buffers from pool.
func NewSendPipe(pool *BufferPool, logger Logger, highWater int) *SendPipe {
	if logger == nil {
		logger = defaultLogger()
	}
	if highWater <= 0 {
		highWater = defaultHighWaterMark
	}
	return &SendPipe{
		pool:      pool,
		logger:    logger,
		highWater: highWater,
		entries:   queue.New(),
	}
}

// Enqueue copies payload and appends it to the pipe.
func (p *SendPipe) Enqueue(payload []byte) error {
	if len(payload) > p.pool.Size() {
		return errors.Wrapf(ErrMessageTooLarge, "enqueue %d bytes, pool size %d", len(payload), p.pool.Size())
	}
	buf := p.pool.Take()
	n := copy(buf, payload)

	p.mu.Lock()
	p.entries.Add(sendEntry{buf: buf, n: n})
	depth := p.entries.Length()
	p.mu.Unlock()

	if depth%p.highWater == 0 {
		p.logger.Warn("send pipe above high-water mark, peer is not reading fast enough",
			"depth", depth, "high_water", p.highWater)
	}
	return nil
}

// DequeueAndSerializeAll drains every pending payload into dst as consecutive
// frames under a single lock. dst.B is grown only when it is too small. It
// returns the number of bytes written and false if nothing was pending.
func (p *SendPipe) DequeueAndSerializeAll(dst *bytebufferpool.ByteBuffer) (int, bool) {
	p.mu.Lock()
	pending := p.entries.Length()
	if pending == 0 {
		p.mu.Unlock()
		return 0, false
	}

	total := 0
	for i := 0; i < pending; i++ {
		total += HeaderSize + p.entries.Get(i).(sendEntry).n
	}
	dst.B = growTo(dst.B, total)

	offset := 0
	for p.entries.Length() > 0 {
		e := p.entries.Remove().(sendEntry)
		offset += putFrame(dst.B[offset:], e.buf[:e.n])
		p.recycle(e.buf)
	}
	p.mu.Unlock()

	return total, true
}

// Count returns the number of queued payloads.
func (p *SendPipe) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.Length()
}

// Clear drops every queued payload and returns the buffers to the pool.
func (p *SendPipe) Clear() {
	p.mu.Lock()
	old := p.entries
	p.entries = queue.New()
	p.mu.Unlock()

	for old.Length() > 0 {
		p.recycle(old.Remove().(sendEntry).buf)
	}
}

func (p *SendPipe) recycle(buf []byte) {
	if err := p.pool.Release(buf); err != nil {
		p.logger.Error("release send buffer", "error", err)
	}
}
