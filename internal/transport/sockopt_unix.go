//go:build !windows

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// tuneBuffers raises SO_RCVBUF/SO_SNDBUF on conn's underlying file
// descriptor. Best-effort: a failure here should not prevent the relay
// from serving traffic, it only means larger bursts may drop datagrams
// at the kernel socket buffer instead of being queued.
func tuneBuffers(conn *net.UDPConn, recvBytes, sendBytes int) error {
	if recvBytes <= 0 && sendBytes <= 0 {
		return nil
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("sockopt: raw conn: %w", err)
	}

	var setErr error
	err = raw.Control(func(fd uintptr) {
		if recvBytes > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBytes); e != nil {
				setErr = fmt.Errorf("SO_RCVBUF: %w", e)
				return
			}
		}
		if sendBytes > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendBytes); e != nil {
				setErr = fmt.Errorf("SO_SNDBUF: %w", e)
				return
			}
		}
	})
	if err != nil {
		return fmt.Errorf("sockopt: control: %w", err)
	}
	return setErr
}
