// Package netx provides socket tuning for accepted client connections and
// dialed target connections.
package netx

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// TCPBufferSize is the socket receive/send buffer size.
	TCPBufferSize = 512 * 1024

	// KeepAliveInterval for TCP keepalive probes.
	KeepAliveInterval = 30 * time.Second

	// LingerTimeout for graceful close, in seconds.
	LingerTimeout = 3
)

// TuneConn applies socket options suited to a long-lived tunnel
// connection: no Nagle delay, keepalive probing, a short linger on
// close, wider buffers, and quick ACKs.
func TuneConn(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	if err := conn.SetKeepAlivePeriod(KeepAliveInterval); err != nil {
		return err
	}
	if err := conn.SetLinger(LingerTimeout); err != nil {
		return err
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = tuneSocket(int(fd))
	})
	if err != nil {
		return err
	}
	return sockErr
}

// tuneSocket sets low-level socket options not exposed by net.TCPConn.
func tuneSocket(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, TCPBufferSize); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, TCPBufferSize); err != nil {
		return err
	}
	// TCP_QUICKACK is Linux-specific and advisory; ignore failure on
	// platforms or kernels that reject it.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	return nil
}
