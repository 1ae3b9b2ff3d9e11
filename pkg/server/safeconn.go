package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/sealchat/pkg/protocol"
)

// SafeConn wraps a net.Conn with write synchronization so broadcasts from
// other sessions' goroutines never interleave with this session's own
// replies. Close is idempotent.
type SafeConn struct {
	conn         net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewSafeConn wraps a connection. writeTimeout bounds how long a single
// frame write may block on a slow peer (0 = no bound).
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{conn: conn, writeTimeout: writeTimeout}
}

// WriteFrame writes one frame, serialized against concurrent writers.
func (c *SafeConn) WriteFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return protocol.WriteFrame(c.conn, payload)
}

// Read reads directly from the underlying connection. Only the owning
// session's goroutine reads, so no synchronization is needed here.
func (c *SafeConn) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *SafeConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// CloseWrite half-closes a TCP connection so the peer sees FIN only after
// every written byte. Used before Close when the final frame must reach the
// peer (the login rejection). No-op on transports without half-close.
func (c *SafeConn) CloseWrite() {
	if tcpConn, ok := c.conn.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
	}
}

// Close closes the underlying connection exactly once.
func (c *SafeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *SafeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
