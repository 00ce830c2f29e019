//go:build unix

package discovery

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func controlSocket(network, address string, c syscall.RawConn) error {
	var optErr error

	err := c.Control(func(fd uintptr) {
		for _, opt := range []int{unix.SO_REUSEADDR, unix.SO_REUSEPORT, unix.SO_BROADCAST} {
			if optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); optErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}

	return optErr
}
