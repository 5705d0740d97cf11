// Package pipesock provides a message-oriented TCP transport for Go.
// A Client and a Server exchange length-prefixed byte messages and report
// connection lifecycle and data as events that a single consumer goroutine
// pulls at its own pace, so the consumer never blocks on network I/O.
package pipesock

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sync/errgroup"
)

// Errors returned by connection operations.
var (
	// ErrMessageTooLarge is returned when a message exceeds the maximum allowed size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrConnectionClosed is reported when a payload is dropped because the connection closed.
	ErrConnectionClosed = errors.New("connection closed")
)

// Status is the lifecycle state of a connection.
type Status int32

const (
	// StatusIdle is a client that has not started connecting.
	StatusIdle Status = iota
	// StatusConnecting is a client dialing or negotiating its stream.
	StatusConnecting
	// StatusConnected means both loops are running and Send is accepted.
	StatusConnected
	// StatusDisconnected is terminal; the connection is never reused.
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is one socket together with its send pipe and its receive and send
// loops. Conns are created by Client and Server; applications address them by id.
type Conn struct {
	id     int
	opts   *options
	logger Logger
	codec  FrameCodec
	events *ReceivePipe
	sends  *SendPipe

	mu      sync.Mutex
	rawConn net.Conn
	stream  net.Conn // rawConn, or the wrapped stream once negotiated

	status    atomic.Int32
	announced atomic.Bool
	closed    atomic.Bool

	wake       chan struct{}
	done       chan struct{}
	finishOnce sync.Once
}

func newConn(id int, status Status, events *ReceivePipe, pool *BufferPool, opts *options) *Conn {
	c := &Conn{
		id:     id,
		opts:   opts,
		logger: opts.logger,
		codec:  FrameCodec{MaxMessageSize: opts.maxMessageSize},
		events: events,
		sends:  NewSendPipe(pool, opts.logger, opts.highWaterMark),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.status.Store(int32(status))
	return c
}

// ID returns the connection id. Client connections always have id 0.
func (c *Conn) ID() int {
	return c.id
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	return Status(c.status.Load())
}

func (c *Conn) setStatus(s Status) {
	c.status.Store(int32(s))
}

// RemoteAddr returns the peer address, or "" before the socket exists.
func (c *Conn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rawConn == nil {
		return ""
	}
	return c.rawConn.RemoteAddr().String()
}

// attach hands the connected socket to c. If c was closed in the meantime
// the socket is closed instead and attach reports false.
func (c *Conn) attach(raw net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		_ = raw.Close()
		return false
	}
	c.rawConn = raw
	c.stream = raw
	return true
}

// Send queues payload for the send loop without blocking.
// It reports false if the connection is not connected or payload is too large.
func (c *Conn) Send(payload []byte) bool {
	if c.Status() != StatusConnected {
		return false
	}
	if len(payload) > c.codec.MaxMessageSize {
		c.logger.Warn("message too large, not sent", "conn_id", c.id,
			"size", len(payload), "max", c.codec.MaxMessageSize)
		return false
	}
	if err := c.sends.Enqueue(payload); err != nil {
		c.logger.Warn("enqueue failed", "conn_id", c.id, "error", err)
		return false
	}
	if c.closed.Load() {
		// finish may have cleared the pipe before the payload landed in it
		c.sends.Clear()
		c.logger.Debug("send dropped", "conn_id", c.id, "error", ErrConnectionClosed)
		return false
	}
	c.opts.metrics.MessagesSent.Inc()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// Close closes the socket. Both loops observe it and the connection tears
// down normally. Safe to call multiple times and from any goroutine.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.mu.Lock()
	raw := c.rawConn
	c.mu.Unlock()

	if raw == nil {
		return nil
	}
	return raw.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Run negotiates the stream, starts the send loop, reports Connected and reads
// frames until the connection ends. It returns once both loops have exited.
// A clean end of stream returns nil.
func (c *Conn) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := c.negotiate(ctx); err != nil {
		_ = c.Close()
		c.logger.Info("stream negotiation failed", "conn_id", c.id, "addr", c.RemoteAddr(), "error", err)
		return err
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.opts.metrics.ConnectionsTotal.Inc()
	c.opts.metrics.ConnectionsActive.Inc()
	defer c.opts.metrics.ConnectionsActive.Dec()

	c.logger.Debug("connection established", "conn_id", c.id, "addr", c.RemoteAddr(),
		"max_message_size", c.codec.MaxMessageSize)

	var group errgroup.Group
	group.Go(func() error {
		return c.writeLoop(stream)
	})

	c.announce()
	err := c.readLoop(stream)
	_ = c.Close()
	werr := group.Wait()

	switch {
	case errors.Is(err, io.EOF):
		err = werr
	case errors.Is(err, ErrMessageTooLarge):
		c.opts.metrics.ProtocolErrors.Inc()
		c.logger.Warn("protocol violation", "conn_id", c.id, "addr", c.RemoteAddr(), "error", err)
	}

	if err != nil {
		c.logger.Info("connection closed with error", "conn_id", c.id, "error", err)
	} else {
		c.logger.Info("connection closed", "conn_id", c.id)
	}
	return err
}

// negotiate runs the configured StreamWrapper, bounded by the connect timeout.
func (c *Conn) negotiate(ctx context.Context) error {
	if c.opts.wrapper == nil {
		return nil
	}

	c.mu.Lock()
	raw := c.rawConn
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.connectTimeout)
	defer cancel()

	stream, err := c.opts.wrapper(ctx, raw)
	if err != nil {
		return errors.Wrap(err, "negotiate stream")
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	return nil
}

func (c *Conn) announce() {
	c.announced.Store(true)
	if err := c.events.Enqueue(c.id, Connected, nil); err != nil {
		c.logger.Error("enqueue connected event", "conn_id", c.id, "error", err)
	}
}

// finish moves c to Disconnected, drops unsent payloads and reports
// Disconnected exactly once. Without reportAlways, a connection that never
// reported Connected stays silent.
func (c *Conn) finish(reportAlways bool) {
	c.finishOnce.Do(func() {
		_ = c.Close()
		c.setStatus(StatusDisconnected)
		c.sends.Clear()

		if !reportAlways && !c.announced.Load() {
			return
		}
		if err := c.events.Enqueue(c.id, Disconnected, nil); err != nil {
			c.logger.Error("enqueue disconnected event", "conn_id", c.id, "error", err)
		}
	})
}

// readLoop decodes frames and enqueues them until the stream ends.
// Returns io.EOF on a clean or abrupt disconnect.
func (c *Conn) readLoop(stream net.Conn) error {
	header := make([]byte, HeaderSize)
	content := make([]byte, c.codec.MaxMessageSize)

	for {
		if c.opts.receiveTimeout > 0 {
			_ = stream.SetReadDeadline(time.Now().Add(c.opts.receiveTimeout))
		}

		payload, err := c.codec.Decode(stream, header, content)
		if err != nil {
			return err
		}

		c.opts.metrics.MessagesReceived.Inc()
		c.opts.metrics.BytesReceived.Add(float64(len(payload)))

		if err = c.events.Enqueue(c.id, Data, payload); err != nil {
			return err
		}
	}
}

// writeLoop waits for work, drains the send pipe into one buffer and writes
// it with a single call. Returns when the connection is closed.
func (c *Conn) writeLoop(stream net.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(c.logger, "send loop", r)
			_ = c.Close()
			err = errors.Errorf("send loop panic: %v", r)
		}
	}()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for {
		select {
		case <-c.done:
			return nil
		case <-c.wake:
		}

		n, ok := c.sends.DequeueAndSerializeAll(buf)
		if !ok {
			continue
		}

		if c.opts.sendTimeout > 0 {
			_ = stream.SetWriteDeadline(time.Now().Add(c.opts.sendTimeout))
		}
		if _, werr := stream.Write(buf.B[:n]); werr != nil {
			if c.closed.Load() {
				return nil
			}
			_ = c.Close()
			c.logger.Debug("write error", "conn_id", c.id, "error", werr)
			return errors.Wrap(werr, "write")
		}

		c.opts.metrics.Flushes.Inc()
		c.opts.metrics.BytesSent.Add(float64(n))
	}
}

// configureConn applies socket level options to a freshly connected socket.
func configureConn(raw net.Conn, opts *options) {
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(opts.noDelay)
	}
}
