package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/lifecycle"
	"github.com/sammck-go/boardhub/internal/tunnel"
	"github.com/sammck-go/boardhub/internal/usbip"
)

// TCPTargetResolver looks up the {host, port} an exporter's TCP interface
// name maps to, per its currently-published ExportDesc.
type TCPTargetResolver interface {
	ResolveTCP(ifaceName string) (host string, port int, ok bool)
}

// Gateway is one exporter's CONNECT tunnel endpoint: a single TCP
// listener that authenticates every accepted connection against Tokens
// and then either splices bytes to a local TCP resource or hands the
// connection to a USB/IP server, per spec §4.3.
type Gateway struct {
	lifecycle.Helper

	logger    blog.Logger
	placeIDMu sync.RWMutex
	placeID   string
	tokens    *TokenCache
	resolver  TCPTargetResolver
	usbServer *usbip.Server

	listener net.Listener
}

// NewGateway creates a Gateway for one exporter's place. usbServer may be
// nil if the place has no USB parts.
func NewGateway(logger blog.Logger, placeID string, tokens *TokenCache, resolver TCPTargetResolver, usbServer *usbip.Server) *Gateway {
	g := &Gateway{
		logger:    logger.Fork("gateway"),
		placeID:   placeID,
		tokens:    tokens,
		resolver:  resolver,
		usbServer: usbServer,
	}
	g.Helper.Init(g.logger, g)
	return g
}

// SetPlaceID updates the place id CONNECT authorities are matched against.
// Exporters construct their Gateway before the hub assigns a place id, so
// this is called once register_exporter completes.
func (g *Gateway) SetPlaceID(placeID string) {
	g.logger.ILogf("gateway bound to place %s", placeID)
	g.placeIDMu.Lock()
	g.placeID = placeID
	g.placeIDMu.Unlock()
}

func (g *Gateway) getPlaceID() string {
	g.placeIDMu.RLock()
	defer g.placeIDMu.RUnlock()
	return g.placeID
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler.
func (g *Gateway) HandleOnceShutdown(completionErr error) error {
	if g.listener == nil {
		return completionErr
	}
	err := g.listener.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe binds addr and accepts CONNECT tunnels until the Gateway
// is shut down.
func (g *Gateway) ListenAndServe(addr string) error {
	return g.DoOnceActivate(func() error {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return g.ELogErrorf("listen on %s: %s", addr, err)
		}
		g.listener = l
		go g.acceptLoop()
		return nil
	}, true)
}

func (g *Gateway) acceptLoop() {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			g.StartShutdown(err)
			return
		}
		go g.handleConn(conn)
	}
}

// handleConn services exactly one CONNECT tunnel per spec §4.3's three
// steps: read+validate the request, verify (token, source IP), reply, and
// bridge.
func (g *Gateway) handleConn(conn net.Conn) {
	tcpConn, _ := conn.(*net.TCPConn)
	peerIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	r := bufio.NewReader(conn)
	req, err := ReadConnectRequest(r)
	if err != nil {
		g.reject(conn, err)
		return
	}
	placeID := g.getPlaceID()
	if req.Authority.PlaceID != placeID {
		g.reject(conn, newStatusError(http.StatusNotFound, "unknown place %q", req.Authority.PlaceID))
		return
	}

	if !g.tokens.Verify(placeID, req.Token, peerIP) {
		if g.tokens.HasToken(placeID, req.Token) {
			g.reject(conn, newStatusError(http.StatusForbidden, "source ip %s not authorized for this token", peerIP))
		} else {
			g.reject(conn, newStatusError(http.StatusUnauthorized, "unknown or expired token"))
		}
		return
	}

	switch req.Authority.Scheme {
	case SchemeUSB:
		if g.usbServer == nil || !g.usbServer.Has(req.Authority.Target) {
			g.reject(conn, newStatusError(http.StatusNotFound, "unknown usb interface %q", req.Authority.Target))
			return
		}
		g.accept(conn)
		g.serveUSB(tcpConn)
	default:
		target, err := g.dialTCP(req.Authority.Target)
		if err != nil {
			g.reject(conn, err)
			return
		}
		g.accept(conn)
		g.serveTCP(conn, target)
	}
}

func (g *Gateway) reject(conn net.Conn, err error) {
	code := StatusCode(err)
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n", code, http.StatusText(code))
	g.logger.WLogf("rejected connection from %s: %s", conn.RemoteAddr(), err)
	conn.Close()
}

// accept writes the CONNECT success response. Callers must only reach here
// once the tunnel's target (TCP dial, or USB/IP device) has already been
// resolved, so the 200 is never followed by a 404/502 over the same
// connection.
func (g *Gateway) accept(conn net.Conn) {
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		g.logger.WLogf("writing 200 response: %s", err)
	}
}

func (g *Gateway) dialTCP(ifaceName string) (net.Conn, error) {
	host, port, ok := g.resolver.ResolveTCP(ifaceName)
	if !ok {
		return nil, newStatusError(http.StatusNotFound, "unknown tcp interface %q", ifaceName)
	}
	target, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, newStatusError(http.StatusBadGateway, "dialing tcp target %s:%d: %s", host, port, err)
	}
	return target, nil
}

func (g *Gateway) serveTCP(conn net.Conn, target net.Conn) {
	caller := tunnel.NewSocketConn(g.logger, conn)
	service := tunnel.NewSocketConn(g.logger, target)
	tunnel.Bridge(g.logger, caller, service)
}

func (g *Gateway) serveUSB(conn *net.TCPConn) {
	if conn == nil {
		return
	}
	if err := g.usbServer.HandleClient(conn, g.ShutdownDoneChan()); err != nil {
		g.logger.WLogf("usb/ip session failed: %s", err)
	}
}
