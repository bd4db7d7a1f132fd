package hub

import (
	"io"
	"sync"
	"testing"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/model"
	"github.com/sammck-go/boardhub/internal/wire"
)

// pipeTransport is a hand-rolled in-process wire.Transport, modeled on the
// teacher's direct-byte-assertion fake-harness style rather than a real
// socket, so session tests run with no network at all.
type pipeTransport struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
	peer   *pipeTransport
}

func newPipeTransportPair() (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{}
	b := &pipeTransport{}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	return a, b
}

func (t *pipeTransport) WriteMessage(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	t.peer.mu.Lock()
	defer t.peer.mu.Unlock()
	if t.peer.closed {
		return io.ErrClosedPipe
	}
	t.peer.queue = append(t.peer.queue, cp)
	t.peer.cond.Signal()
	return nil
}

func (t *pipeTransport) ReadMessage() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.queue) == 0 && !t.closed {
		t.cond.Wait()
	}
	if len(t.queue) == 0 {
		return nil, io.EOF
	}
	msg := t.queue[0]
	t.queue = t.queue[1:]
	return msg, nil
}

func (t *pipeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
	return nil
}

var _ wire.Transport = (*pipeTransport)(nil)

func testLogger() blog.Logger {
	return blog.New("test", blog.LevelError)
}

func exportDesc(tags []string, tcpIface string, host string, port int) *model.ExportDesc {
	return &model.ExportDesc{
		Port: 2192,
		Parts: map[string]model.ExportedPart{
			"main": {
				Compatible: tags,
				TCP: map[string]model.TCPExportDesc{
					tcpIface: {Host: host, Port: port},
				},
			},
		},
	}
}

func importSpec(name string, tags []string, localIface string, localPort int) *model.ImportSpec {
	return &model.ImportSpec{
		Name: name,
		Parts: map[string]model.ImportedPart{
			"a": {
				Compatible: tags,
				TCP: map[string]model.TCPImportDesc{
					localIface: {LocalPort: localPort},
				},
			},
		},
	}
}

func TestReserveAllocatesFreePlace(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, 10)

	_, peerT := newPipeTransportPair()
	expCh := wire.NewAcceptorChannel(testLogger(), "exp", peerT)
	expSess := newSession(SessionExporter, "exp", []Role{RoleExporter}, "10.0.0.1:1", expCh)

	placeID, err := reg.RegisterExporter(expSess, exportDesc([]string{"x"}, "scpi", "127.0.0.1", 5025))
	if err != nil {
		t.Fatalf("RegisterExporter: %s", err)
	}

	_, peerT2 := newPipeTransportPair()
	agentCh := wire.NewAcceptorChannel(testLogger(), "agent", peerT2)
	agentSess := newSession(SessionAgent, "agent", []Role{RoleImporter}, "10.0.0.2:1", agentCh)

	resID, err := reg.Reserve(agentSess, importSpec("s1", []string{"x"}, "scpi", 5125))
	if err != nil {
		t.Fatalf("Reserve: %s", err)
	}

	res := reg.reservations[resID]
	if res.State != Allocated {
		t.Fatalf("expected Allocated, got %s", res.State)
	}
	if res.PlaceID != placeID {
		t.Fatalf("expected place %s, got %s", placeID, res.PlaceID)
	}
}

func TestReserveNoMatchReturnsTypedError(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, 10)
	_, peerT := newPipeTransportPair()
	ch := wire.NewAcceptorChannel(testLogger(), "agent", peerT)
	sess := newSession(SessionAgent, "agent", []Role{RoleImporter}, "10.0.0.2:1", ch)

	_, err := reg.Reserve(sess, importSpec("s1", []string{"nonexistent"}, "scpi", 5125))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	wireErr, ok := wire.AsError(err)
	if !ok || wireErr.Kind != wire.KindNoMatch {
		t.Fatalf("expected KindNoMatch, got %v", err)
	}
}

func TestFIFOFairness(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, 10)

	_, peerT := newPipeTransportPair()
	expCh := wire.NewAcceptorChannel(testLogger(), "exp", peerT)
	expSess := newSession(SessionExporter, "exp", []Role{RoleExporter}, "10.0.0.1:1", expCh)
	placeID, _ := reg.RegisterExporter(expSess, exportDesc([]string{"x"}, "scpi", "127.0.0.1", 5025))

	_, peerT2 := newPipeTransportPair()
	agentCh := wire.NewAcceptorChannel(testLogger(), "agent", peerT2)
	agentSess := newSession(SessionAgent, "agent", []Role{RoleImporter}, "10.0.0.2:1", agentCh)

	res1, err := reg.Reserve(agentSess, importSpec("r1", []string{"x"}, "scpi", 5001))
	if err != nil {
		t.Fatalf("reserve r1: %s", err)
	}
	if reg.reservations[res1].State != Allocated {
		t.Fatalf("r1 should be allocated immediately")
	}

	res2, err := reg.Reserve(agentSess, importSpec("r2", []string{"x"}, "scpi", 5002))
	if err != nil {
		t.Fatalf("reserve r2: %s", err)
	}
	if reg.reservations[res2].State != Pending {
		t.Fatalf("r2 should be pending while r1 holds the only place")
	}

	if err := reg.ReturnReservation(res1); err != nil {
		t.Fatalf("return r1: %s", err)
	}
	if reg.reservations[res2].State != Allocated {
		t.Fatalf("r2 should be allocated once r1 returns")
	}
	if reg.reservations[res2].PlaceID != placeID {
		t.Fatalf("r2 should get the freed place")
	}
}

func TestUnregisterPlaceForceReturnsAllocated(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, 10)
	_, peerT := newPipeTransportPair()
	expCh := wire.NewAcceptorChannel(testLogger(), "exp", peerT)
	expSess := newSession(SessionExporter, "exp", []Role{RoleExporter}, "10.0.0.1:1", expCh)
	placeID, _ := reg.RegisterExporter(expSess, exportDesc([]string{"x"}, "scpi", "127.0.0.1", 5025))

	_, peerT2 := newPipeTransportPair()
	agentCh := wire.NewAcceptorChannel(testLogger(), "agent", peerT2)
	agentSess := newSession(SessionAgent, "agent", []Role{RoleImporter}, "10.0.0.2:1", agentCh)
	resID, _ := reg.Reserve(agentSess, importSpec("r1", []string{"x"}, "scpi", 5001))

	reg.UnregisterPlace(placeID, ReasonExporterGone)

	res := reg.reservations[resID]
	if res.State != Returned || res.Reason != ReasonExporterGone {
		t.Fatalf("expected Returned/ExporterGone, got %s/%s", res.State, res.Reason)
	}
}

func TestReturnReservationIdempotent(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, 10)
	_, peerT := newPipeTransportPair()
	expCh := wire.NewAcceptorChannel(testLogger(), "exp", peerT)
	expSess := newSession(SessionExporter, "exp", []Role{RoleExporter}, "10.0.0.1:1", expCh)
	reg.RegisterExporter(expSess, exportDesc([]string{"x"}, "scpi", "127.0.0.1", 5025))

	_, peerT2 := newPipeTransportPair()
	agentCh := wire.NewAcceptorChannel(testLogger(), "agent", peerT2)
	agentSess := newSession(SessionAgent, "agent", []Role{RoleImporter}, "10.0.0.2:1", agentCh)
	resID, _ := reg.Reserve(agentSess, importSpec("r1", []string{"x"}, "scpi", 5001))

	if err := reg.ReturnReservation(resID); err != nil {
		t.Fatalf("first return: %s", err)
	}
	if err := reg.ReturnReservation(resID); err != nil {
		t.Fatalf("second return should be a no-op, got: %s", err)
	}
}
