package pipesock

import (
	"context"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

// Errors returned by Server operations.
var (
	// ErrServerActive is returned by Start when the server is already listening.
	ErrServerActive = errors.New("server already active")
	// ErrConnectionIDExhausted stops the accept loop when no connection id is left.
	ErrConnectionIDExhausted = errors.New("connection id space exhausted")
)

// maxConnID is the last connection id handed out before the accept loop stops.
const maxConnID = math.MaxInt32

// Server accepts connections and reports their events through a single
// receive pipe. Start, Stop, Send, Disconnect, Poll and Tick are meant to be
// called from one consumer goroutine.
type Server struct {
	opts   options
	pool   *BufferPool
	events atomic.Pointer[ReceivePipe]
	conns  cmap.ConcurrentMap[int, *Conn]
	active atomic.Bool

	mu         sync.Mutex
	listener   net.Listener
	workers    *ants.Pool
	nextConnID int
}

// NewServer creates an inactive server.
func NewServer(opt ...Option) *Server {
	opts := newOptions(opt...)
	pool := NewBufferPool(opts.maxMessageSize)

	s := &Server{
		opts:  opts,
		pool:  pool,
		conns: cmap.NewWithCustomShardingFunction[int, *Conn](shardConnID),
	}
	s.events.Store(NewReceivePipe(pool, opts.logger, opts.highWaterMark))
	return s
}

func shardConnID(id int) uint32 {
	return uint32(id)
}

// Start listens on port on all interfaces and begins accepting connections.
// Port 0 picks a free port, see Addr. Events from a previous run are discarded.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() {
		return ErrServerActive
	}

	ln, err := listen(context.Background(), net.JoinHostPort("", strconv.Itoa(port)), &s.opts)
	if err != nil {
		return errors.Wrapf(err, "listen on port %d", port)
	}

	workers, err := ants.NewPool(s.opts.maxConnections,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(r any) {
			logPanic(s.opts.logger, "server connection", r)
		}))
	if err != nil {
		_ = ln.Close()
		return errors.Wrap(err, "create connection pool")
	}

	events := NewReceivePipe(s.pool, s.opts.logger, s.opts.highWaterMark)
	s.events.Swap(events).Clear()

	s.listener = ln
	s.workers = workers
	s.nextConnID = 0
	s.active.Store(true)

	s.opts.logger.Info("server started", "addr", ln.Addr())
	go s.acceptLoop(ln, workers, events)
	return nil
}

// acceptLoop registers every accepted socket and hands it to a worker that
// serves it until it closes. It returns when the listener is closed. If the
// loop ends for any reason other than Stop, the server shuts down with it.
func (s *Server) acceptLoop(ln net.Listener, workers *ants.Pool, events *ReceivePipe) {
	defer s.halt(ln)

	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.opts.logger.Info("server stopped", "addr", ln.Addr())
				return
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.opts.logger.Error("accept error", "error", err)
			return
		}

		s.opts.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		configureConn(raw, &s.opts)

		conn, err := s.register(ln, raw, events)
		if err != nil {
			_ = raw.Close()
			if errors.Is(err, ErrConnectionIDExhausted) {
				s.opts.logger.Error("accept loop stopped", "addr", ln.Addr(), "error", err)
			}
			return
		}

		if err = workers.Submit(func() { s.serve(conn) }); err != nil {
			s.opts.metrics.ConnectionsRejected.Inc()
			s.opts.logger.Warn("connection rejected", "conn_id", conn.ID(), "addr", conn.RemoteAddr(), "error", err)
			s.deregister(conn)
			conn.finish(false)
		}
	}
}

// register assigns the next connection id and adds the connection to the registry.
func (s *Server) register(ln net.Listener, raw net.Conn, events *ReceivePipe) (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != ln {
		return nil, net.ErrClosed
	}
	if s.nextConnID >= maxConnID {
		return nil, ErrConnectionIDExhausted
	}
	s.nextConnID++

	conn := newConn(s.nextConnID, StatusConnected, events, s.pool, &s.opts)
	conn.attach(raw)
	s.conns.Set(conn.ID(), conn)
	return conn, nil
}

// deregister removes conn unless its id already belongs to a newer connection.
func (s *Server) deregister(conn *Conn) {
	s.conns.RemoveCb(conn.ID(), func(_ int, v *Conn, exists bool) bool {
		return exists && v == conn
	})
}

// serve runs on a worker goroutine for the lifetime of one connection.
func (s *Server) serve(conn *Conn) {
	defer func() {
		s.deregister(conn)
		conn.finish(false)
	}()

	_ = conn.Run(context.Background())
}

// Stop closes the listener and every connection and resets the id counter.
// It does not wait for connection goroutines to exit; their Disconnected
// events still arrive through Poll until the next Start.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Load() {
		return
	}
	s.shutdown()
}

// halt shuts the server down after its accept loop on ln exited. It is a
// no-op when Stop already replaced or cleared the listener.
func (s *Server) halt(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != ln {
		return
	}
	s.opts.logger.Warn("server deactivated", "addr", ln.Addr())
	s.shutdown()
}

// shutdown must be called with s.mu held.
func (s *Server) shutdown() {
	s.active.Store(false)

	_ = s.listener.Close()
	s.listener = nil

	for _, conn := range s.conns.Items() {
		_ = conn.Close()
	}
	s.conns.Clear()

	s.workers.Release()
	s.workers = nil
	s.nextConnID = 0
}

// Send queues payload for connection id without blocking. It reports false if
// payload is too large or id is unknown, which happens routinely right after
// a connection closed.
func (s *Server) Send(id int, payload []byte) bool {
	if len(payload) > s.opts.maxMessageSize {
		s.opts.logger.Warn("message too large, not sent", "conn_id", id,
			"size", len(payload), "max", s.opts.maxMessageSize)
		return false
	}

	conn, ok := s.conns.Get(id)
	if !ok {
		s.opts.logger.Debug("send to unknown connection", "conn_id", id)
		return false
	}
	return conn.Send(payload)
}

// Disconnect closes connection id. Its Disconnected event follows through
// Poll like any other disconnect. Reports false if id is unknown.
func (s *Server) Disconnect(id int) bool {
	conn, ok := s.conns.Get(id)
	if !ok {
		return false
	}
	_ = conn.Close()
	return true
}

// ClientAddress returns the remote address of connection id, or "" if unknown.
func (s *Server) ClientAddress(id int) string {
	conn, ok := s.conns.Get(id)
	if !ok {
		return ""
	}
	return conn.RemoteAddr()
}

// Active reports whether the server is listening.
func (s *Server) Active() bool {
	return s.active.Load()
}

// Addr returns the listener's network address, or nil when inactive.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of registered connections.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

// Poll removes the next event. The payload is a copy owned by the caller.
func (s *Server) Poll() (Event, bool) {
	return s.events.Load().poll()
}

// Tick hands up to limit pending events to handle and returns how many were
// processed. Payloads are only valid during the call to handle.
func (s *Server) Tick(limit int, handle func(Event)) int {
	return s.events.Load().tick(limit, handle)
}

// ReceiveCount returns the number of events waiting to be polled.
func (s *Server) ReceiveCount() int {
	return s.events.Load().Count()
}
