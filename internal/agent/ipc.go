package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/lifecycle"
	"github.com/sammck-go/boardhub/internal/model"
	"github.com/sammck-go/boardhub/internal/wire"
)

// ipcServer is the Unix-domain-socket JSON-RPC surface CLI clients talk to:
// reserve, attach, detach, return, list, status, edit. One wire.Channel is
// bound per accepted connection, reusing the same duplex protocol §4.2
// defines for hub↔exporter/agent rather than a bespoke request/response
// codec.
type ipcServer struct {
	lifecycle.Helper

	agent      *Agent
	socketPath string
	listener   net.Listener
}

func newIPCServer(agent *Agent, logger blog.Logger, socketPath string) *ipcServer {
	s := &ipcServer{agent: agent, socketPath: socketPath}
	s.Helper.Init(logger.Fork("ipc"), s)
	return s
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler.
func (s *ipcServer) HandleOnceShutdown(completionErr error) error {
	if s.listener == nil {
		return completionErr
	}
	err := s.listener.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (s *ipcServer) listen() error {
	_ = os.Remove(s.socketPath)
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		s.WLogf("chmod %s: %s", s.socketPath, err)
	}
	s.listener = l
	return nil
}

func (s *ipcServer) serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.StartShutdown(err)
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *ipcServer) handleConn(ctx context.Context, conn net.Conn) {
	ch := wire.NewAcceptorChannel(s.Logger, "ipc-client", wire.NewLineTransport(conn))
	s.bindHandlers(ch)
	if err := ch.Serve(ctx); err != nil {
		s.DLogf("ipc client disconnected: %s", err)
	}
}

func (s *ipcServer) bindHandlers(ch *wire.Channel) {
	a := s.agent

	ch.Handle("reserve", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var spec model.ImportSpec
		if err := json.Unmarshal(params, &spec); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad reserve params: %s", err)
		}
		if err := spec.Validate(); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "%s", err)
		}
		if err := a.Reserve(ctx, &spec); err != nil {
			return nil, err
		}
		return map[string]string{"name": spec.Name}, nil
	})

	ch.Handle("attach", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var req struct {
			Name string            `json:"name"`
			Spec *model.ImportSpec `json:"spec"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad attach params: %s", err)
		}
		name := req.Name
		if req.Spec != nil {
			if err := req.Spec.Validate(); err != nil {
				return nil, wire.NewError(wire.KindProtocol, "%s", err)
			}
			name = req.Spec.Name
			if err := a.Reserve(ctx, req.Spec); err != nil {
				return nil, err
			}
		}
		if err := a.Attach(ctx, name); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})

	ch.Handle("detach", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad detach params: %s", err)
		}
		return nil, a.Detach(req.Name)
	})

	ch.Handle("return", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var req struct {
			Name  string `json:"name"`
			Force bool   `json:"force"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad return params: %s", err)
		}
		return nil, a.ReturnReservation(ctx, req.Name, req.Force)
	})

	ch.Handle("list", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return a.List(), nil
	})

	ch.Handle("status", func(_ context.Context, _ json.RawMessage) (interface{}, error) {
		return a.Status(), nil
	})

	ch.Handle("edit", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var req struct {
			Name string           `json:"name"`
			Spec model.ImportSpec `json:"spec"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad edit params: %s", err)
		}
		if err := req.Spec.Validate(); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "%s", err)
		}
		return nil, a.Edit(req.Name, &req.Spec)
	})
}
