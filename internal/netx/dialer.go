package netx

import (
	"context"
	"net"
	"syscall"
	"time"
)

// DialTimeout is the default timeout for establishing a target connection.
const DialTimeout = 10 * time.Second

// Dialer dials target connections with socket tuning applied before the
// caller ever touches the returned net.Conn. It satisfies
// session.Dialer directly.
type Dialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer creates a Dialer with the package's default timeouts.
func NewDialer() *Dialer {
	return &Dialer{Timeout: DialTimeout, KeepAlive: KeepAliveInterval}
}

// DialContext connects to address over network, tuning the resulting
// socket before returning it.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
		Control:   dialControl,
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, nil
	}
	if err := TuneConn(tcpConn); err != nil {
		conn.Close()
		return nil, err
	}
	return tcpConn, nil
}

// dialControl tunes the socket before connect() is issued.
func dialControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = tuneSocket(int(fd))
	})
	if err != nil {
		return err
	}
	return sockErr
}
