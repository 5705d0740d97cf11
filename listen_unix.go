//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package pipesock

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func listen(ctx context.Context, addr string, opts *options) (net.Listener, error) {
	var lc net.ListenConfig
	if opts.reusePort {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		}
	}
	return lc.Listen(ctx, "tcp", addr)
}
