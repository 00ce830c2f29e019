//go:build !unix

package discovery

import "syscall"

func controlSocket(network, address string, c syscall.RawConn) error {
	return nil
}
