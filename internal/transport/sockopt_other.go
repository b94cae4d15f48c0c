//go:build windows

package transport

import "net"

// tuneBuffers is a no-op on platforms where we don't have a tested
// SO_RCVBUF/SO_SNDBUF path (mirrors wireguard-go's per-OS conn split).
func tuneBuffers(conn *net.UDPConn, recvBytes, sendBytes int) error {
	return nil
}
