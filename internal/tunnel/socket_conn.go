package tunnel

import (
	"net"
	"sync/atomic"

	"github.com/sammck-go/boardhub/internal/blog"
)

// SocketConn wraps a net.Conn (TCP or Unix) as a Conn.
type SocketConn struct {
	BasicConn
	netConn net.Conn
}

// NewSocketConn wraps an already-connected net.Conn.
func NewSocketConn(logger blog.Logger, netConn net.Conn) *SocketConn {
	c := &SocketConn{netConn: netConn}
	c.Init(logger, c, "SocketConn(%s)", netConn.RemoteAddr())
	return c
}

func (c *SocketConn) Read(p []byte) (int, error) {
	n, err := c.netConn.Read(p)
	atomic.AddInt64(&c.NumBytesReadV, int64(n))
	return n, err
}

func (c *SocketConn) Write(p []byte) (int, error) {
	n, err := c.netConn.Write(p)
	atomic.AddInt64(&c.NumBytesWrittenV, int64(n))
	return n, err
}

// CloseWrite half-closes the underlying connection if it supports it;
// otherwise it is a silent no-op, matching net.Conn implementations (like
// *net.UnixConn used for stream sockets) that have no half-close.
func (c *SocketConn) CloseWrite() error {
	if whc, ok := c.netConn.(WriteHalfCloser); ok {
		if err := whc.CloseWrite(); err != nil {
			return c.Errorf("CloseWrite failed: %s", err)
		}
		return nil
	}
	c.DLogf("CloseWrite ignored: not supported by underlying connection")
	return nil
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler.
func (c *SocketConn) HandleOnceShutdown(completionErr error) error {
	err := c.netConn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
