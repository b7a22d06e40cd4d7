package remote

import (
	"net"
	"sync/atomic"
	"time"
)

// deadlineConn pushes the read/write deadline forward before every I/O call,
// so a stalled control or data channel fails after timeout of inactivity.
type deadlineConn struct {
	net.Conn
	timeout  time.Duration
	timedOut *atomic.Bool
}

func newDeadlineConn(c net.Conn, timeout time.Duration, timedOut *atomic.Bool) net.Conn {
	return &deadlineConn{Conn: c, timeout: timeout, timedOut: timedOut}
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Read(b)
	c.observe(err)
	return n, err
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	n, err := c.Conn.Write(b)
	c.observe(err)
	return n, err
}

func (c *deadlineConn) observe(err error) {
	if ne, ok := err.(net.Error); ok && ne.Timeout() && c.timedOut != nil {
		c.timedOut.Store(true)
	}
}
