package pipesock

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// defaultHighWaterMark is the pipe depth at which a warning is logged.
const defaultHighWaterMark = 10000

type receiveEntry struct {
	connID int
	typ    EventType
	buf    []byte // pooled, nil for lifecycle events
	n      int
}

// ReceivePipe is the ordered hand-off from network goroutines to the consumer.
//
// Any number of goroutines may Enqueue; a single consumer peeks and dequeues.
// Entries come out in exactly the order they went in, across all connections.
// Payloads live in buffers taken from the pipe's BufferPool and go back to it
// when the entry is dequeued or cleared.
type ReceivePipe struct {
	pool      *BufferPool
	logger    Logger
	highWater int

	mu      sync.Mutex
	entries *queue.Queue
	gen     uint64 // bumped by Clear
}

// NewReceivePipe creates a pipe that copies payloads into buffers from pool.
func NewReceivePipe(pool *BufferPool, logger Logger, highWater int) *ReceivePipe {
	if logger == nil {
		logger = defaultLogger()
	}
	if highWater <= 0 {
		highWater = defaultHighWaterMark
	}
	return &ReceivePipe{
		pool:      pool,
		logger:    logger,
		highWater: highWater,
		entries:   queue.New(),
	}
}

// Enqueue appends an event. Data payloads are copied, so payload may be a
// view into a buffer the caller reuses. Lifecycle events ignore payload.
func (p *ReceivePipe) Enqueue(connID int, typ EventType, payload []byte) error {
	e := receiveEntry{connID: connID, typ: typ}
	if typ == Data {
		if len(payload) > p.pool.Size() {
			return errors.Wrapf(ErrMessageTooLarge, "enqueue %d bytes, pool size %d", len(payload), p.pool.Size())
		}
		e.buf = p.pool.Take()
		e.n = copy(e.buf, payload)
	}

	p.mu.Lock()
	p.entries.Add(e)
	depth := p.entries.Length()
	p.mu.Unlock()

	if depth%p.highWater == 0 {
		p.logger.Warn("receive pipe above high-water mark, consumer is not polling fast enough",
			"depth", depth, "high_water", p.highWater)
	}
	return nil
}

// TryPeek returns the oldest event without removing it. The payload is only
// valid until the matching TryDequeue or Clear.
func (p *ReceivePipe) TryPeek() (Event, bool) {
	ev, _, ok := p.peek()
	return ev, ok
}

func (p *ReceivePipe) peek() (Event, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.entries.Length() == 0 {
		return Event{}, p.gen, false
	}
	e := p.entries.Peek().(receiveEntry)
	ev := Event{ConnID: e.connID, Type: e.typ}
	if e.buf != nil {
		ev.Payload = e.buf[:e.n]
	}
	return ev, p.gen, true
}

// TryDequeue removes the oldest event and returns its buffer to the pool.
// It reports false if the pipe was empty.
func (p *ReceivePipe) TryDequeue() bool {
	p.mu.Lock()
	return p.dequeueLocked()
}

// dequeue removes the oldest event only if the pipe was not cleared since
// the peek that returned gen.
func (p *ReceivePipe) dequeue(gen uint64) bool {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return false
	}
	return p.dequeueLocked()
}

// dequeueLocked must be called with p.mu held and releases it.
func (p *ReceivePipe) dequeueLocked() bool {
	if p.entries.Length() == 0 {
		p.mu.Unlock()
		return false
	}
	e := p.entries.Remove().(receiveEntry)
	p.mu.Unlock()

	p.recycle(e.buf)
	return true
}

// Count returns the current depth. The value may be stale by the time it is used.
func (p *ReceivePipe) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.Length()
}

// Clear drops every queued event and returns their buffers to the pool.
func (p *ReceivePipe) Clear() {
	p.mu.Lock()
	old := p.entries
	p.entries = queue.New()
	p.gen++
	p.mu.Unlock()

	for old.Length() > 0 {
		p.recycle(old.Remove().(receiveEntry).buf)
	}
}

func (p *ReceivePipe) recycle(buf []byte) {
	if buf == nil {
		return
	}
	if err := p.pool.Release(buf); err != nil {
		p.logger.Error("release receive buffer", "error", err)
	}
}

// poll removes the oldest event and returns it with an owned copy of the payload.
func (p *ReceivePipe) poll() (Event, bool) {
	ev, gen, ok := p.peek()
	if !ok {
		return Event{}, false
	}
	if ev.Payload != nil {
		ev.Payload = append(make([]byte, 0, len(ev.Payload)), ev.Payload...)
	}
	p.dequeue(gen)
	return ev, true
}

// tick hands up to limit events to handle, dequeuing each one after handle
// returns. Payloads are views into pooled buffers and must not be retained.
// If handle clears the pipe, for example by reconnecting, the events queued
// after the Clear are left in place.
func (p *ReceivePipe) tick(limit int, handle func(Event)) int {
	processed := 0
	for processed < limit {
		ev, gen, ok := p.peek()
		if !ok {
			break
		}
		handle(ev)
		p.dequeue(gen)
		processed++
	}
	return processed
}
