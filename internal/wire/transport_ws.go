package wire

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport adapts a *websocket.Conn to Transport, framing one JSON-RPC
// document per WebSocket text message. It implements KeepAliveTransport:
// a pong refreshes the read deadline just like an ordinary message does,
// so a peer that only ever answers pings is still considered live.
type WSTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWSTransport wraps an already-established WebSocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	t := &WSTransport{conn: conn}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadTimeout))
	})
	return t
}

func (t *WSTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *WSTransport) WriteMessage(data []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// SetReadDeadline implements KeepAliveTransport.
func (t *WSTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

// Ping implements KeepAliveTransport by writing a WebSocket ping control
// frame; the peer's gorilla/websocket stack answers it automatically.
func (t *WSTransport) Ping() error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (t *WSTransport) Close() error {
	return t.conn.Close()
}
