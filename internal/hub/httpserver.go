package hub

import (
	"context"
	"net"
	"net/http"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/lifecycle"
)

// httpServer is a net/http.Server with the teacher's graceful-shutdown
// wiring: the listener is closed by HandleOnceShutdown rather than by a
// bespoke stop channel.
type httpServer struct {
	lifecycle.Helper
	*http.Server
	listener net.Listener
}

func newHTTPServer(logger blog.Logger) *httpServer {
	h := &httpServer{Server: &http.Server{}}
	h.Helper.Init(logger.Fork("http"), h)
	return h
}

func (h *httpServer) HandleOnceShutdown(completionErr error) error {
	err := h.listener.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe binds addr and serves handler until ctx is cancelled or
// Shutdown is called; it blocks until the server has fully stopped.
func (h *httpServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(func() error {
		h.ShutdownOnContext(ctx)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return h.ELogErrorf("listen on %s: %s", addr, err)
		}
		h.Handler = handler
		h.listener = l
		go func() {
			h.Helper.Shutdown(h.Serve(l))
		}()
		return nil
	}, true)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}
