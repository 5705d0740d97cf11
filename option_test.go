package pipesock

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewOptions_Defaults(t *testing.T) {
	opts := newOptions()

	assert.Equal(t, DefaultMaxMessageSize, opts.maxMessageSize)
	assert.True(t, opts.noDelay)
	assert.Equal(t, defaultConnectTimeout, opts.connectTimeout)
	assert.Equal(t, defaultHighWaterMark, opts.highWaterMark)
	assert.Zero(t, opts.sendTimeout)
	assert.Zero(t, opts.receiveTimeout)
	assert.Zero(t, opts.dialRetries)
	assert.Zero(t, opts.maxConnections)
	assert.False(t, opts.reusePort)
	assert.Nil(t, opts.wrapper)
	assert.NotNil(t, opts.logger)
	assert.NotNil(t, opts.metrics)
}

func TestCheckOptions_InvalidValues(t *testing.T) {
	opts := newOptions(
		MaxMessageSizeOption(-1),
		ConnectTimeoutOption(-time.Second),
		HighWaterMarkOption(0),
		DialRetryOption(-3),
	)

	assert.Equal(t, DefaultMaxMessageSize, opts.maxMessageSize)
	assert.Equal(t, defaultConnectTimeout, opts.connectTimeout)
	assert.Equal(t, defaultHighWaterMark, opts.highWaterMark)
	assert.Zero(t, opts.dialRetries)
}

func TestMaxMessageSizeOption(t *testing.T) {
	var opts options
	MaxMessageSizeOption(4096)(&opts)
	assert.Equal(t, 4096, opts.maxMessageSize)
}

func TestNoDelayOption(t *testing.T) {
	opts := newOptions(NoDelayOption(false))
	assert.False(t, opts.noDelay)
}

func TestTimeoutOptions(t *testing.T) {
	opts := newOptions(
		SendTimeoutOption(time.Second),
		ReceiveTimeoutOption(2*time.Second),
		ConnectTimeoutOption(3*time.Second),
	)

	assert.Equal(t, time.Second, opts.sendTimeout)
	assert.Equal(t, 2*time.Second, opts.receiveTimeout)
	assert.Equal(t, 3*time.Second, opts.connectTimeout)
}

func TestServerOptions(t *testing.T) {
	opts := newOptions(MaxConnectionsOption(8), ReusePortOption(true), HighWaterMarkOption(50))

	assert.Equal(t, 8, opts.maxConnections)
	assert.True(t, opts.reusePort)
	assert.Equal(t, 50, opts.highWaterMark)
}

func TestStreamWrapperOption(t *testing.T) {
	called := false
	wrapper := func(_ context.Context, conn net.Conn) (net.Conn, error) {
		called = true
		return conn, nil
	}

	opts := newOptions(StreamWrapperOption(wrapper))
	_, _ = opts.wrapper(context.Background(), nil)
	assert.True(t, called)
}

func TestLoggerOption(t *testing.T) {
	logger := &mockLogger{}
	opts := newOptions(LoggerOption(logger))
	assert.Same(t, logger, opts.logger)
}

func TestMetricsOption(t *testing.T) {
	m := NewMetrics(nil, "client")
	opts := newOptions(MetricsOption(m))
	assert.Same(t, m, opts.metrics)
}
