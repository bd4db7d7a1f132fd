// Package tunnel implements the byte-counted, half-closable connection
// abstraction used to bridge a gateway-side CONNECT tunnel with the
// local TCP service it targets, and the bridging loop that copies between two such
// connections until both directions reach EOF.
package tunnel

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/lifecycle"
)

// WriteHalfCloser is implemented by connections that can shut down their
// write side while leaving the read side open, e.g. *net.TCPConn.
type WriteHalfCloser interface {
	CloseWrite() error
}

// Conn is a virtual open bidirectional stream, wrapping either a local
// network resource or a remote tunnel leg, with byte-transfer counters.
// Bridge's close log reports io.Copy's own counts, not these counters.
type Conn interface {
	io.ReadWriteCloser
	WriteHalfCloser
	lifecycle.AsyncShutdowner

	NumBytesRead() int64
	NumBytesWritten() int64
}

var nextConnID int32

// AllocConnID allocates a unique Conn id, used only for log messages.
func AllocConnID() int32 {
	return atomic.AddInt32(&nextConnID, 1)
}

// BasicConn is the common base for a Conn implementation: it owns the
// lifecycle.Helper and the atomic byte counters, leaving Read/Write/
// CloseWrite to the embedding type.
type BasicConn struct {
	lifecycle.Helper
	ID               int32
	Name             string
	NumBytesReadV    int64
	NumBytesWrittenV int64
}

// Init sets up the BasicConn portion of a new Conn. handler is the
// object whose HandleOnceShutdown performs the actual close.
func (c *BasicConn) Init(logger blog.Logger, handler lifecycle.OnceShutdownHandler, nameFormat string, args ...interface{}) {
	c.ID = AllocConnID()
	c.Name = fmt.Sprintf("[%d]", c.ID) + fmt.Sprintf(nameFormat, args...)
	c.Helper.Init(logger.Fork(c.Name), handler)
	if err := c.Activate(); err != nil {
		c.Panic(err)
	}
}

func (c *BasicConn) NumBytesRead() int64    { return atomic.LoadInt64(&c.NumBytesReadV) }
func (c *BasicConn) NumBytesWritten() int64 { return atomic.LoadInt64(&c.NumBytesWrittenV) }
func (c *BasicConn) String() string         { return c.Name }
