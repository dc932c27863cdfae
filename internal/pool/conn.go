package pool

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// PooledConnection is an upstream TCP socket exclusively owned by its pool
// and temporarily lent out to a forwarder. idle tracks the state-machine
// position (dialing is implicit while a connection is being built; once
// constructed it is always idle or in-use until closed).
type PooledConnection struct {
	conn         net.Conn
	createdAt    time.Time
	lastActivity time.Time
	errors       int64
	idle         bool
}

// Conn returns the underlying socket for splicing.
func (pc *PooledConnection) Conn() net.Conn { return pc.conn }

func (p *ConnectionPool) dial() (*PooledConnection, error) {
	dialer := &net.Dialer{
		Timeout: p.cfg.ConnectTimeout(),
		Control: bufferHintControl(p.cfg.SocketBufferHint),
	}

	conn, err := dialer.Dial("tcp", p.targetAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDial, err)
	}

	now := time.Now()
	pc := &PooledConnection{conn: conn, createdAt: now, lastActivity: now, idle: true}

	// These are best-effort socket tuning, not dial failures: a connection
	// that can't get TCP_NODELAY or keepalive configured is still usable,
	// just slightly worse than one that got the full treatment, so it's
	// tracked on the connection itself rather than failing the dial.
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			pc.errors++
		}
		if err := tcpConn.SetKeepAlive(true); err != nil {
			pc.errors++
		}
		if err := tcpConn.SetKeepAlivePeriod(p.cfg.KeepAliveInterval()); err != nil {
			pc.errors++
		}
	}

	return pc, nil
}

// bufferHintControl returns a net.Dialer.Control callback that applies
// SO_SNDBUF/SO_RCVBUF via the raw socket, best-effort: a failure here never
// fails the dial, it only leaves the OS default buffer sizes in place.
func bufferHintControl(hint int) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		_ = c.Control(func(fd uintptr) {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, hint)
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, hint)
		})
		return nil
	}
}
