package wire

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sammck-go/boardhub/internal/blog"
)

// pipePair wires two io.ReadWriteClosers together for an in-process test,
// mirroring the fake-transport style used elsewhere in this repository's
// tunnel-bridging tests.
type pipeHalf struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeHalf) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeHalf) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeHalf) Close() error {
	p.r.Close()
	return p.w.Close()
}

func newPipePair() (*pipeHalf, *pipeHalf) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipeHalf{r: ar, w: aw}, &pipeHalf{r: br, w: bw}
}

func TestChannelRequestResponse(t *testing.T) {
	a, b := newPipePair()
	logger := blog.New("test", blog.LevelTrace)

	initiator := NewInitiatorChannel(logger, "initiator", NewLineTransport(a))
	acceptor := NewAcceptorChannel(logger, "acceptor", NewLineTransport(b))

	acceptor.Handle("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var args []string
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, NewError(KindProtocol, "bad params")
		}
		return args[0], nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go initiator.Serve(ctx)
	go acceptor.Serve(ctx)

	var result string
	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	if err := initiator.Call(callCtx, "echo", []string{"hello"}, &result); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if result != "hello" {
		t.Fatalf("expected %q, got %q", "hello", result)
	}
}

func TestChannelTypedError(t *testing.T) {
	a, b := newPipePair()
	logger := blog.New("test", blog.LevelTrace)

	initiator := NewInitiatorChannel(logger, "initiator", NewLineTransport(a))
	acceptor := NewAcceptorChannel(logger, "acceptor", NewLineTransport(b))

	acceptor.Handle("reserve", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, NewError(KindNoMatch, "no place matches")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go initiator.Serve(ctx)
	go acceptor.Serve(ctx)

	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	err := initiator.Call(callCtx, "reserve", []string{}, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	wireErr, ok := AsError(err)
	if !ok {
		t.Fatalf("expected a *wire.Error, got %T: %v", err, err)
	}
	if wireErr.Kind != KindNoMatch {
		t.Fatalf("expected Kind %q, got %q", KindNoMatch, wireErr.Kind)
	}
}

func TestChannelNotification(t *testing.T) {
	a, b := newPipePair()
	logger := blog.New("test", blog.LevelTrace)

	initiator := NewInitiatorChannel(logger, "initiator", NewLineTransport(a))
	acceptor := NewAcceptorChannel(logger, "acceptor", NewLineTransport(b))

	received := make(chan string, 1)
	acceptor.Handle("place_available", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var args []string
		json.Unmarshal(params, &args)
		received <- args[0]
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go initiator.Serve(ctx)
	go acceptor.Serve(ctx)

	if err := initiator.Notify("place_available", []string{"place-1"}); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}

	select {
	case id := <-received:
		if id != "place-1" {
			t.Fatalf("expected place-1, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}
