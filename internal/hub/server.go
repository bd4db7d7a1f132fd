package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/lifecycle"
	"github.com/sammck-go/boardhub/internal/wire"
	"github.com/tomasen/realip"
)

// Config bundles the hub's process-level settings, loaded from a small
// TOML document per SPEC_FULL §3 (listen address, debug mode,
// reservation-history capacity; cmd/board-hub's file adds the token file
// path, and the log level is a command-line flag).
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	Debug      bool   `toml:"debug"`
	HistoryCap int    `toml:"history_cap"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the hub process: an HTTP listener exposing /ws, the place
// snapshot API, the login stubs, and the status page, all backed by one
// Registry.
type Server struct {
	lifecycle.Helper

	cfg  Config
	reg  *Registry
	http *httpServer
}

// NewServer creates a hub Server. auth may be nil (allow-all policy).
func NewServer(logger blog.Logger, cfg Config, auth AuthPolicy) *Server {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 200
	}
	s := &Server{
		cfg: cfg,
		reg: NewRegistry(logger, auth, cfg.HistoryCap),
	}
	s.Helper.Init(logger.Fork("hub"), s)
	s.http = newHTTPServer(s.Logger)
	return s
}

// Registry exposes the underlying Registry, e.g. for tests to assert on
// hub state directly rather than only through the HTTP/RPC surface.
func (s *Server) Registry() *Registry { return s.reg }

// Run binds cfg.ListenAddr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	err := s.DoOnceActivate(func() error {
		s.ShutdownOnContext(ctx)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { s.handleWS(ctx, w, r) })
		mux.HandleFunc("/api/v1/places", s.handlePlaces)
		mux.HandleFunc("/login", s.handleLogin)
		mux.HandleFunc("/oidc-callback", s.handleOIDCCallback)
		mux.HandleFunc("/", s.handleStatus)

		var h http.Handler = mux
		if s.cfg.Debug {
			h = requestlog.Wrap(h)
		}
		s.AddShutdownChild(s.http)
		go func() {
			if err := s.http.ListenAndServe(ctx, s.cfg.ListenAddr, h); err != nil {
				s.WLogf("http server stopped: %s", err)
			}
		}()
		return nil
	}, true)
	if err == nil {
		err = s.WaitShutdown()
	}
	return err
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	err := s.http.Helper.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (s *Server) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.WLogf("websocket upgrade from %s failed: %s", r.RemoteAddr, err)
		return
	}
	peerIP := realip.FromRequest(r)
	remote := fmt.Sprintf("%s:0", peerIP)
	if peerIP == "" {
		remote = conn.RemoteAddr().String()
	}

	role := SessionAgent
	if r.URL.Query().Get("role") == "exporter" {
		role = SessionExporter
	}

	transport := wire.NewWSTransport(conn)
	ch := wire.NewAcceptorChannel(s.Logger, remote, transport)

	credential := r.Header.Get("Authorization")
	_, errCh := BindSession(ctx, s.Logger, s.reg, role, remote, ch, authCredential(credential, s.reg.auth))
	go func() {
		if err := <-errCh; err != nil {
			s.DLogf("control channel from %s closed: %s", remote, err)
		}
	}()
}

// authCredential lets BindSession's Authenticate see the raw bearer
// credential without threading an http.Request through internal/wire.
func authCredential(credential string, auth AuthPolicy) AuthPolicy {
	return credentialPolicy{credential: credential, inner: auth}
}

type credentialPolicy struct {
	credential string
	inner      AuthPolicy
}

func (p credentialPolicy) Authenticate(_ string) (string, []Role, error) {
	return p.inner.Authenticate(p.credential)
}

func (s *Server) handlePlaces(w http.ResponseWriter, r *http.Request) {
	places := s.reg.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(places)
}

// handleLogin and handleOIDCCallback are the two routes spec §6 requires
// beyond "delegate to AuthPolicy"; the authorization-code flow itself is
// an external collaborator (§1 Non-goals).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "login delegated to external OIDC provider", http.StatusNotImplemented)
}

func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "oidc callback delegated to external OIDC provider", http.StatusNotImplemented)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	places := s.reg.Snapshot()
	hist := s.reg.History()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "registered places: %d\n", len(places))
	for _, p := range places {
		fmt.Fprintf(w, "  %s  %s:%d  %d parts\n", p.ID, p.Host, p.Port, len(p.Parts))
	}
	fmt.Fprintf(w, "returned reservations (last %d):\n", len(hist))
	for _, res := range hist {
		fmt.Fprintf(w, "  %d  place=%s  reason=%s\n", res.ID, res.PlaceID, res.Reason)
	}
}
