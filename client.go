package pipesock

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// ErrAlreadyConnected is returned by Connect while a session is connecting or connected.
var ErrAlreadyConnected = errors.New("client already connecting or connected")

// Client owns at most one connection to a Server. Connect, Send, Disconnect,
// Poll and Tick are meant to be called from a single consumer goroutine;
// network I/O happens on the connection's own goroutines.
type Client struct {
	opts   options
	pool   *BufferPool
	events *ReceivePipe

	mu      sync.Mutex
	session *clientSession
}

type clientSession struct {
	conn   *Conn
	cancel context.CancelFunc
	done   chan struct{} // closed once every session goroutine has exited
}

// NewClient creates a disconnected client.
func NewClient(opt ...Option) *Client {
	opts := newOptions(opt...)
	pool := NewBufferPool(opts.maxMessageSize)

	return &Client{
		opts:   opts,
		pool:   pool,
		events: NewReceivePipe(pool, opts.logger, opts.highWaterMark),
	}
}

// Connect starts connecting to host:port in the background and returns
// immediately. The outcome is reported as a Connected or Disconnected event.
// Events left over from a previous session are discarded.
func (c *Client) Connect(host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.session; s != nil {
		switch s.conn.Status() {
		case StatusConnecting, StatusConnected:
			c.opts.logger.Warn("connect ignored, session still active", "status", s.conn.Status())
			return ErrAlreadyConnected
		}
		<-s.done
		c.session = nil
	}

	c.events.Clear()

	ctx, cancel := context.WithCancel(context.Background())
	s := &clientSession{
		conn:   newConn(0, StatusConnecting, c.events, c.pool, &c.opts),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.session = s

	go c.run(ctx, s, net.JoinHostPort(host, strconv.Itoa(port)))
	return nil
}

// run is the session's receive goroutine: it dials, then serves the
// connection until it ends. Disconnected is reported on every exit path.
func (c *Client) run(ctx context.Context, s *clientSession, addr string) {
	defer close(s.done)
	defer s.conn.finish(true)
	defer func() {
		if r := recover(); r != nil {
			logPanic(c.opts.logger, "client session", r)
		}
	}()

	raw, err := c.dial(ctx, addr)
	if err != nil {
		c.opts.logger.Info("connect failed", "addr", addr, "error", err)
		return
	}

	configureConn(raw, &c.opts)
	if !s.conn.attach(raw) {
		return
	}
	_ = s.conn.Run(ctx)
}

// dial connects with the configured timeout, retrying with exponential
// backoff when DialRetryOption is set. Cancelling ctx aborts immediately.
func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.opts.connectTimeout}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.opts.dialRetries)), ctx)

	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return conn, err
	}, policy)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return conn, nil
}

// Send queues payload without blocking. It reports false when the client is
// not connected or payload exceeds the maximum message size.
func (c *Client) Send(payload []byte) bool {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s == nil {
		return false
	}
	return s.conn.Send(payload)
}

// Disconnect closes the connection and waits until the session's goroutines
// have exited, so a following Connect never overlaps the old session.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return
	}
	s.cancel()
	_ = s.conn.Close()
	<-s.done
}

// Connected reports whether the current session is connected.
func (c *Client) Connected() bool {
	return c.status() == StatusConnected
}

// Connecting reports whether a connect attempt is in progress.
func (c *Client) Connecting() bool {
	return c.status() == StatusConnecting
}

func (c *Client) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return StatusIdle
	}
	return c.session.conn.Status()
}

// Poll removes the next event. The payload is a copy owned by the caller.
func (c *Client) Poll() (Event, bool) {
	return c.events.poll()
}

// Tick hands up to limit pending events to handle and returns how many were
// processed. Payloads are only valid during the call to handle.
func (c *Client) Tick(limit int, handle func(Event)) int {
	return c.events.tick(limit, handle)
}

// ReceiveCount returns the number of events waiting to be polled.
func (c *Client) ReceiveCount() int {
	return c.events.Count()
}
