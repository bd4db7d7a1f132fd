package agent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/tunnel"
	"github.com/sammck-go/boardhub/internal/usbip"
)

// tunnelKind distinguishes the two materialized interface types for status
// reporting (spec §4.5's "status" command: part/interface/type/attached).
type tunnelKind string

const (
	kindTCP tunnelKind = "TCP"
	kindUSB tunnelKind = "USB"
)

// vhciPollInterval is how often an attached usbTunnel checks for an
// implicit kernel-side detach.
const vhciPollInterval = 5 * time.Second

// ifaceTunnel is one materialized interface of an attached place: either a
// local TCP listener forwarding through a CONNECT tunnel, or a background
// loop keeping a USB device attached to a local VHCI port.
type ifaceTunnel interface {
	kind() tunnelKind
	part() string
	iface() string
	isAttached() bool
	start(ctx context.Context, logger blog.Logger)
	stop()
}

// tcpTunnel forwards a local TCP listener through the exporter's gateway
// to one named TCP interface, per the original's TcpTunnel/port_forward.
type tcpTunnel struct {
	partName, ifaceName string
	proxyHost           string
	proxyPort           int
	placeID             string
	token               string
	localPort           int

	logger   blog.Logger
	listener net.Listener
	wg       sync.WaitGroup
}

func (t *tcpTunnel) kind() tunnelKind { return kindTCP }
func (t *tcpTunnel) part() string     { return t.partName }
func (t *tcpTunnel) iface() string    { return t.ifaceName }
func (t *tcpTunnel) isAttached() bool { return t.listener != nil }

func (t *tcpTunnel) start(ctx context.Context, logger blog.Logger) {
	t.logger = logger.Fork(fmt.Sprintf("%s.%s", t.partName, t.ifaceName))
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", t.localPort))
	if err != nil {
		t.logger.WLogf("listening on 127.0.0.1:%d: %s", t.localPort, err)
		return
	}
	t.listener = l
	t.wg.Add(1)
	go t.acceptLoop()
}

func (t *tcpTunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.handleConn(conn)
	}
}

func (t *tcpTunnel) handleConn(client net.Conn) {
	authority := fmt.Sprintf("tcp:%s@%s", t.ifaceName, t.placeID)
	remote, err := openTunnel(t.proxyHost, t.proxyPort, authority, t.token)
	if err != nil {
		t.logger.WLogf("dialing gateway for %s: %s", authority, err)
		client.Close()
		return
	}
	caller := tunnel.NewSocketConn(t.logger, client)
	service := tunnel.NewSocketConn(t.logger, remote)
	tunnel.Bridge(t.logger, caller, service)
}

func (t *tcpTunnel) stop() {
	if t.listener != nil {
		t.listener.Close()
	}
	t.wg.Wait()
	t.listener = nil
}

// usbTunnel keeps one USB interface attached to a local VHCI port, per the
// original's UsbTunnel: a background loop dials the gateway and imports the
// device, retrying with exponential backoff on failure, and detaches the
// VHCI port on stop.
type usbTunnel struct {
	partName, ifaceName string
	proxyHost           string
	proxyPort           int
	placeID             string
	token               string
	usbID               string
	portNum             int

	logger blog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	vhciPort int
	hasVhci  bool
}

func (t *usbTunnel) kind() tunnelKind { return kindUSB }
func (t *usbTunnel) part() string     { return t.partName }
func (t *usbTunnel) iface() string    { return t.ifaceName }

func (t *usbTunnel) isAttached() bool {
	t.mu.Lock()
	port, ok := t.vhciPort, t.hasVhci
	t.mu.Unlock()
	if !ok {
		return false
	}
	status, err := usbip.ReadVhciStatus()
	if err != nil {
		return false
	}
	s, ok := status[port]
	return ok && s.Attached
}

func (t *usbTunnel) start(ctx context.Context, logger blog.Logger) {
	t.logger = logger.Fork(fmt.Sprintf("%s.%s", t.partName, t.ifaceName))
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.run(runCtx)
}

func (t *usbTunnel) run(ctx context.Context) {
	defer t.wg.Done()
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second}
	for {
		select {
		case <-ctx.Done():
			t.detach()
			return
		default:
		}

		authority := fmt.Sprintf("usb:%s@%s", t.usbID, t.placeID)
		conn, err := openTunnel(t.proxyHost, t.proxyPort, authority, t.token)
		if err != nil {
			t.logger.WLogf("dialing gateway for %s: %s", authority, err)
			if !sleepOrDone(ctx, b.Duration()) {
				t.detach()
				return
			}
			continue
		}

		port, err := usbip.ImportDevice(conn, t.usbID, t.portNum)
		if err != nil {
			conn.Close()
			t.logger.WLogf("importing usb device %s: %s", t.usbID, err)
			if !sleepOrDone(ctx, b.Duration()) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.vhciPort, t.hasVhci = port, true
		t.mu.Unlock()
		t.logger.ILogf("usb device %s attached to vhci port %d", t.usbID, port)
		b.Reset()

		if !t.waitWhileAttached(ctx) {
			t.detach()
			return
		}
		t.logger.WLogf("usb device %s dropped from vhci, reconnecting", t.usbID)
		t.detach()
	}
}

// waitWhileAttached blocks until ctx is cancelled (returning false, the
// caller should shut down) or the vhci port stops reporting attached
// (returning true, the caller should retry the import). A dropped VHCI
// attachment is never signaled by the kernel; it can only be observed by
// polling ReadVhciStatus, per spec §4.5's reconnect-on-drop requirement for
// USB interfaces.
func (t *usbTunnel) waitWhileAttached(ctx context.Context) bool {
	ticker := time.NewTicker(vhciPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !t.isAttached() {
				return true
			}
		}
	}
}

func (t *usbTunnel) detach() {
	t.mu.Lock()
	port, ok := t.vhciPort, t.hasVhci
	t.hasVhci = false
	t.mu.Unlock()
	if ok {
		usbip.Detach(port)
		t.logger.ILogf("usb device %s detached from vhci port %d", t.usbID, port)
	}
}

func (t *usbTunnel) stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-tm.C:
		return true
	case <-ctx.Done():
		return false
	}
}
