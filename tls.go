package pipesock

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

// StreamWrapper turns a freshly connected socket into the stream the framing
// layer reads and writes, for example by negotiating TLS. It runs on the
// connection's receive goroutine before any event is reported and must honor
// ctx. The returned conn must behave like the original for reads and writes.
type StreamWrapper func(ctx context.Context, conn net.Conn) (net.Conn, error)

// ServerTLS returns a StreamWrapper performing a server-side TLS handshake.
// Certificate provisioning is left to the caller through config.
func ServerTLS(config *tls.Config) StreamWrapper {
	return func(ctx context.Context, conn net.Conn) (net.Conn, error) {
		tlsConn := tls.Server(conn, config)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, errors.Wrap(err, "tls server handshake")
		}
		return tlsConn, nil
	}
}

// ClientTLS returns a StreamWrapper performing a client-side TLS handshake.
func ClientTLS(config *tls.Config) StreamWrapper {
	return func(ctx context.Context, conn net.Conn) (net.Conn, error) {
		tlsConn := tls.Client(conn, config)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, errors.Wrap(err, "tls client handshake")
		}
		return tlsConn, nil
	}
}
