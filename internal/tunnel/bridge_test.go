package tunnel

import (
	"io"
	"math/rand"
	"testing"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/lifecycle"
)

// fakeConn is a hand-rolled in-memory Conn: it serves up a fixed slice of
// random readable bytes and records everything written to it, so a test
// can assert exact byte-for-byte transfer across a Bridge call.
type fakeConn struct {
	lifecycle.Helper
	id            int
	readable      []byte
	remaining     []byte
	written       []byte
	writeClosed   bool
}

func newFakeConn(t *testing.T, logger blog.Logger, id int) *fakeConn {
	n := rand.Intn(64*1024) + 4096
	data := make([]byte, n)
	rand.Read(data)
	fc := &fakeConn{id: id, readable: data, remaining: data, written: make([]byte, 0, n)}
	fc.Helper.Init(logger.Fork("fakeConn#%d", id), fc)
	if err := fc.Activate(); err != nil {
		t.Fatal(err)
	}
	return fc
}

func (fc *fakeConn) HandleOnceShutdown(completionErr error) error { return completionErr }

func (fc *fakeConn) Read(p []byte) (int, error) {
	if len(fc.remaining) == 0 {
		return 0, io.EOF
	}
	n := copy(p, fc.remaining)
	fc.remaining = fc.remaining[n:]
	return n, nil
}

func (fc *fakeConn) Write(p []byte) (int, error) {
	fc.written = append(fc.written, p...)
	return len(p), nil
}

func (fc *fakeConn) CloseWrite() error {
	fc.writeClosed = true
	return nil
}

func (fc *fakeConn) NumBytesRead() int64    { return 0 }
func (fc *fakeConn) NumBytesWritten() int64 { return int64(len(fc.written)) }

func TestBridgeTransfersAllBytesBothWays(t *testing.T) {
	logger := blog.New("test", blog.LevelTrace)
	a := newFakeConn(t, logger, 0)
	b := newFakeConn(t, logger, 1)

	aToB, bToA, err := Bridge(logger, a, b)
	if err != nil {
		t.Fatalf("Bridge returned error: %v", err)
	}

	if aToB != int64(len(a.readable)) {
		t.Fatalf("a->b: expected %d bytes, got %d", len(a.readable), aToB)
	}
	if bToA != int64(len(b.readable)) {
		t.Fatalf("b->a: expected %d bytes, got %d", len(b.readable), bToA)
	}
	if len(b.written) != len(a.readable) {
		t.Fatalf("b received %d bytes, expected %d", len(b.written), len(a.readable))
	}
	for i, want := range a.readable {
		if b.written[i] != want {
			t.Fatalf("b.written[%d] = %d, want %d", i, b.written[i], want)
		}
	}
	for i, want := range b.readable {
		if a.written[i] != want {
			t.Fatalf("a.written[%d] = %d, want %d", i, a.written[i], want)
		}
	}
	if !a.writeClosed || !b.writeClosed {
		t.Fatal("expected both write sides to be closed")
	}
}
