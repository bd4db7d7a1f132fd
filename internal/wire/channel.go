// Package wire implements the duplex JSON-RPC 2.0 control channel shared
// by the hub<->exporter, hub<->agent, and agent<->CLI links: either side
// may issue requests and notifications at any time, over one underlying
// transport (WebSocket, or newline-delimited over a Unix socket).
package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/lifecycle"
)

// Transport is a message-framed duplex byte stream: each ReadMessage call
// returns exactly one JSON-RPC document, and each WriteMessage call sends
// exactly one.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// idlePingInterval and deadTimeout implement the control-channel's
// keep-alive contract: a ping goes out every idlePingInterval, whether or
// not other outbound traffic was sent in that interval, and a channel that has received nothing (not even a pong) for
// deadTimeout is presumed dead. Only transports that implement
// KeepAliveTransport are held to this — WSTransport does, LineTransport
// (agent IPC over a local Unix socket) has no dead-peer concern and does
// not.
const (
	idlePingInterval = 20 * time.Second
	deadTimeout      = 60 * time.Second
)

// KeepAliveTransport is implemented by transports capable of detecting a
// dead peer: a read deadline that ReadMessage honors, and an out-of-band
// ping the peer's transport answers without involving Channel's own
// request/response framing.
type KeepAliveTransport interface {
	Transport
	SetReadDeadline(deadline time.Time) error
	Ping() error
}

// HandlerFunc handles one incoming request or notification. Returning a
// *wire.Error preserves its Kind across the wire; any other non-nil error
// is reported to the caller as KindInternal carrying the error's message
// text.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Channel is one side of a duplex JSON-RPC connection. IDs it generates
// for outbound requests are all of the same sign (positive for the side
// that dialed, negative for the side that accepted), so the two
// independent id sequences on a duplex link never collide.
type Channel struct {
	lifecycle.Helper

	name      string
	transport Transport
	idSign    int64
	nextID    int64

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	pendingMu sync.Mutex
	pending   map[int64]chan envelope

	sendMu sync.Mutex
}

// NewInitiatorChannel creates a Channel that generates positive request
// ids, for the side that dialed the connection.
func NewInitiatorChannel(logger blog.Logger, name string, t Transport) *Channel {
	return newChannel(logger, name, t, 1)
}

// NewAcceptorChannel creates a Channel that generates negative request
// ids, for the side that accepted the connection.
func NewAcceptorChannel(logger blog.Logger, name string, t Transport) *Channel {
	return newChannel(logger, name, t, -1)
}

func newChannel(logger blog.Logger, name string, t Transport, idSign int64) *Channel {
	c := &Channel{
		name:      name,
		transport: t,
		idSign:    idSign,
		handlers:  make(map[string]HandlerFunc),
		pending:   make(map[int64]chan envelope),
	}
	c.Helper.Init(logger.Fork(name), c)
	return c
}

// Handle registers the handler invoked for an incoming request or
// notification named method. It may be called before or while Serve runs
// (DialLoop's onConnect callbacks register handlers after Serve starts).
func (c *Channel) Handle(method string, h HandlerFunc) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = h
}

// Serve reads and dispatches messages until the transport closes, a
// KeepAliveTransport's read deadline lapses with no traffic (not even a
// pong) for deadTimeout, or ctx is cancelled. It blocks; callers typically
// run it in its own goroutine.
func (c *Channel) Serve(ctx context.Context) error {
	c.ShutdownOnContext(ctx)
	if err := c.Activate(); err != nil {
		return err
	}

	var pingStop chan struct{}
	if kt, ok := c.transport.(KeepAliveTransport); ok {
		_ = kt.SetReadDeadline(time.Now().Add(deadTimeout))
		pingStop = make(chan struct{})
		go c.pingLoop(kt, pingStop)
	}

	var retErr error
	for {
		raw, err := c.transport.ReadMessage()
		if err != nil {
			retErr = err
			break
		}
		if kt, ok := c.transport.(KeepAliveTransport); ok {
			_ = kt.SetReadDeadline(time.Now().Add(deadTimeout))
		}
		c.dispatch(raw)
	}
	if pingStop != nil {
		close(pingStop)
	}
	c.failPending(retErr)
	c.StartShutdown(retErr)
	return retErr
}

// pingLoop sends a keep-alive ping every idlePingInterval until stop is
// closed or a ping fails (the peer is presumably already gone, and
// ReadMessage's deadline will time the channel out shortly).
func (c *Channel) pingLoop(kt KeepAliveTransport, stop <-chan struct{}) {
	ticker := time.NewTicker(idlePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := kt.Ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler.
func (c *Channel) HandleOnceShutdown(completionErr error) error {
	err := c.transport.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (c *Channel) failPending(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

func (c *Channel) dispatch(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.WLogf("discarding unparseable message: %s", err)
		return
	}

	switch {
	case env.Method != "":
		go c.handleRequest(env)
	case env.Error != nil:
		c.deliver(env)
	default:
		c.deliver(env)
	}
}

func (c *Channel) deliver(env envelope) {
	if env.ID == nil {
		return
	}
	var id int64
	if err := json.Unmarshal(*env.ID, &id); err != nil {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- env
		close(ch)
	}
}

func (c *Channel) handleRequest(env envelope) {
	var id *int64
	if env.ID != nil {
		var v int64
		if err := json.Unmarshal(*env.ID, &v); err == nil {
			id = &v
		}
	}

	c.handlersMu.RLock()
	h, ok := c.handlers[env.Method]
	c.handlersMu.RUnlock()
	if !ok {
		if id != nil {
			c.sendError(*id, NewError(KindProtocol, "method not found: %s", env.Method))
		}
		return
	}

	result, err := h(context.Background(), env.Params)
	if id == nil {
		if err != nil {
			c.WLogf("notification handler %q failed: %s", env.Method, err)
		}
		return
	}
	if err != nil {
		c.sendError(*id, err)
		return
	}
	c.sendResult(*id, result)
}

func (c *Channel) send(env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.transport.WriteMessage(data)
}

func (c *Channel) sendResult(id int64, result interface{}) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		c.sendError(id, NewError(KindInternal, "marshaling result: %s", err))
		return
	}
	rawID := json.RawMessage(fmt.Sprintf("%d", id))
	if err := c.send(envelope{JSONRPC: "2.0", ID: &rawID, Result: resultJSON}); err != nil {
		c.WLogf("failed sending response %d: %s", id, err)
	}
}

func (c *Channel) sendError(id int64, err error) {
	rawID := json.RawMessage(fmt.Sprintf("%d", id))
	if sendErr := c.send(envelope{JSONRPC: "2.0", ID: &rawID, Error: encodeError(err)}); sendErr != nil {
		c.WLogf("failed sending error response %d: %s", id, sendErr)
	}
}

// Notify sends a one-way message with no id; the peer sends no response.
func (c *Channel) Notify(method string, params interface{}) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.send(envelope{JSONRPC: "2.0", Method: method, Params: paramsJSON})
}

// Call sends method(params) to the peer and blocks until a response
// arrives, the channel shuts down, or ctx is cancelled. There is no
// per-request cancellation frame: if ctx is cancelled first, Call simply
// stops waiting locally and abandons its pending-response slot — the peer
// is not told and keeps processing the request to completion. The only
// way to actually interrupt a peer's in-flight handler is to tear down
// the whole channel. result may be nil to discard the response.
func (c *Channel) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := nextChannelID(c)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}

	rawID := json.RawMessage(fmt.Sprintf("%d", id))
	respCh := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	if err := c.send(envelope{JSONRPC: "2.0", ID: &rawID, Method: method, Params: paramsJSON}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return err
	}

	select {
	case env, ok := <-respCh:
		if !ok {
			return NewError(KindTransient, "channel closed while waiting for %s response", method)
		}
		if env.Error != nil {
			return decodeError(env.Error)
		}
		if result == nil || len(env.Result) == 0 {
			return nil
		}
		return json.Unmarshal(env.Result, result)
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case <-c.ShutdownDoneChan():
		return NewError(KindTransient, "channel shut down while waiting for %s response", method)
	}
}

func nextChannelID(c *Channel) int64 {
	n := atomic.AddInt64(&c.nextID, 1)
	if c.idSign < 0 {
		return -n
	}
	return n
}

func (c *Channel) String() string {
	return c.name
}
