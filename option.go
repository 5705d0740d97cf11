package pipesock

import (
	"time"
)

// Default configuration values.
const (
	// DefaultMaxMessageSize is the largest payload accepted unless overridden.
	// Both ends must agree on this limit out of band.
	DefaultMaxMessageSize = 65535
	// defaultConnectTimeout bounds a single dial attempt.
	defaultConnectTimeout = 5 * time.Second
)

// options holds the configuration shared by Client and Server.
type options struct {
	logger  Logger
	metrics *Metrics
	wrapper StreamWrapper

	maxMessageSize int
	noDelay        bool
	sendTimeout    time.Duration // write deadline per flush, 0 disables
	receiveTimeout time.Duration // read idle deadline, 0 disables
	connectTimeout time.Duration
	dialRetries    int
	highWaterMark  int
	maxConnections int // server only, 0 means unlimited
	reusePort      bool
}

// Option is a function that configures a Client or Server.
type Option func(*options)

func newOptions(opt ...Option) options {
	opts := options{noDelay: true}
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// checkOptions fills in default values.
func checkOptions(opts *options) {
	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = DefaultMaxMessageSize
	}

	if opts.connectTimeout <= 0 {
		opts.connectTimeout = defaultConnectTimeout
	}

	if opts.highWaterMark <= 0 {
		opts.highWaterMark = defaultHighWaterMark
	}

	if opts.dialRetries < 0 {
		opts.dialRetries = 0
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.metrics == nil {
		opts.metrics = NewMetrics(nil, "")
	}
}

// MaxMessageSizeOption sets the largest payload that may be sent or received.
// A peer declaring a longer frame is disconnected.
func MaxMessageSizeOption(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// NoDelayOption controls TCP_NODELAY on every connection. Enabled by default.
func NoDelayOption(noDelay bool) Option {
	return func(o *options) {
		o.noDelay = noDelay
	}
}

// SendTimeoutOption sets the write deadline for each batched write.
// A write that misses it closes the connection. Zero waits forever.
func SendTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.sendTimeout = timeout
	}
}

// ReceiveTimeoutOption closes a connection that stays silent for longer than
// timeout. Zero waits forever.
func ReceiveTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.receiveTimeout = timeout
	}
}

// ConnectTimeoutOption bounds each dial attempt of a Client.
func ConnectTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = timeout
	}
}

// DialRetryOption makes a Client retry a failed dial up to retries more times
// with exponential backoff before reporting Disconnected.
func DialRetryOption(retries int) Option {
	return func(o *options) {
		o.dialRetries = retries
	}
}

// HighWaterMarkOption sets the pipe depth at which a warning is logged.
// Nothing is ever dropped.
func HighWaterMarkOption(depth int) Option {
	return func(o *options) {
		o.highWaterMark = depth
	}
}

// MaxConnectionsOption caps the number of live connections of a Server.
// Sockets accepted beyond the cap are closed without events.
func MaxConnectionsOption(n int) Option {
	return func(o *options) {
		o.maxConnections = n
	}
}

// ReusePortOption sets SO_REUSEPORT on the server listener where supported.
func ReusePortOption(reuse bool) Option {
	return func(o *options) {
		o.reusePort = reuse
	}
}

// StreamWrapperOption interposes w between the socket and the framing layer,
// typically to negotiate TLS.
func StreamWrapperOption(w StreamWrapper) Option {
	return func(o *options) {
		o.wrapper = w
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption sets the collectors updated by the transport.
// If not set, unregistered collectors are used.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
