package wire

import (
	"bufio"
	"io"
	"sync"
)

// LineTransport frames one JSON-RPC document per newline-terminated line,
// used for the agent's Unix-domain-socket IPC surface where a WebSocket
// upgrade would be unnecessary overhead for a purely local peer.
type LineTransport struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader
	wmu    sync.Mutex
}

// NewLineTransport wraps rw, framing messages with '\n'.
func NewLineTransport(rw io.ReadWriteCloser) *LineTransport {
	return &LineTransport{rw: rw, reader: bufio.NewReader(rw)}
}

func (t *LineTransport) ReadMessage() ([]byte, error) {
	line, err := t.reader.ReadBytes('\n')
	if len(line) > 0 {
		line = line[:len(line)-1]
	}
	if len(line) == 0 && err != nil {
		return nil, err
	}
	return line, nil
}

func (t *LineTransport) WriteMessage(data []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.rw.Write(data); err != nil {
		return err
	}
	_, err := t.rw.Write([]byte("\n"))
	return err
}

func (t *LineTransport) Close() error {
	return t.rw.Close()
}
