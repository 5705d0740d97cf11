//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package pipesock

import (
	"context"
	"net"
)

func listen(ctx context.Context, addr string, opts *options) (net.Listener, error) {
	if opts.reusePort {
		opts.logger.Warn("SO_REUSEPORT not supported on this platform, ignoring")
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
