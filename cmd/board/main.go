// Command board is the CLI that talks to a running board-agent over its
// Unix domain socket: reserve, attach, detach, return, list, status, edit.
//
// Exit codes: 0 success, 1 generic failure, 2 usage error, 3 no matching
// place, 4 auth failure.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/model"
	"github.com/sammck-go/boardhub/internal/wire"
)

const (
	exitOK         = 0
	exitGeneric    = 1
	exitUsage      = 2
	exitNoMatch    = 3
	exitAuth       = 4
	defaultSocket  = "/run/not-my-board-agent.sock"
	defaultTimeout = 30 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("board", flag.ContinueOnError)
	socketPath := fs.String("socket", defaultSocket, "path to the board-agent's Unix domain socket")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: board [-socket path] <reserve|attach|detach|return|list|status|edit> [args...]")
		return exitUsage
	}

	cmd, rest := rest[0], rest[1:]
	logger := blog.New("board", blog.LevelWarning)

	conn, err := net.DialTimeout("unix", *socketPath, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "board: connecting to agent: %s\n", err)
		return exitGeneric
	}
	defer conn.Close()

	ch := wire.NewInitiatorChannel(logger, "agent", wire.NewLineTransport(conn))
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	go func() { _ = ch.Serve(ctx) }()

	var result interface{}
	var callErr error

	switch cmd {
	case "reserve":
		callErr = cmdReserve(ctx, ch, rest)
	case "attach":
		callErr = cmdAttach(ctx, ch, rest)
	case "detach":
		callErr = cmdDetach(ctx, ch, rest)
	case "return":
		callErr = cmdReturn(ctx, ch, rest)
	case "list":
		result, callErr = cmdList(ctx, ch)
	case "status":
		result, callErr = cmdStatus(ctx, ch)
	case "edit":
		callErr = cmdEdit(ctx, ch, rest)
	default:
		fmt.Fprintf(os.Stderr, "board: unknown command %q\n", cmd)
		return exitUsage
	}

	if callErr != nil {
		fmt.Fprintf(os.Stderr, "board: %s\n", callErr)
		return exitCodeFor(callErr)
	}
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	}
	return exitOK
}

// exitCodeFor maps a wire.Error's Kind to the process exit codes listed in
// the package comment; non-wire errors (connection failures, bad flags) are
// reported as generic failures.
func exitCodeFor(err error) int {
	wireErr, ok := wire.AsError(err)
	if !ok {
		return exitGeneric
	}
	switch wireErr.Kind {
	case wire.KindNoMatch:
		return exitNoMatch
	case wire.KindAuth:
		return exitAuth
	case wire.KindProtocol:
		return exitUsage
	default:
		return exitGeneric
	}
}

func loadSpec(path string) (*model.ImportSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var spec model.ImportSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func cmdReserve(ctx context.Context, ch *wire.Channel, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: board reserve <spec.toml>")
	}
	spec, err := loadSpec(args[0])
	if err != nil {
		return err
	}
	var reply map[string]string
	return ch.Call(ctx, "reserve", spec, &reply)
}

// cmdAttach accepts either a bare reservation name (already reserved by a
// prior "board reserve") or a spec path, reserving-then-attaching in one
// round trip when given a spec.
func cmdAttach(ctx context.Context, ch *wire.Channel, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: board attach <name|spec.toml>")
	}
	var params struct {
		Name string            `json:"name,omitempty"`
		Spec *model.ImportSpec `json:"spec,omitempty"`
	}
	if spec, err := loadSpec(args[0]); err == nil {
		params.Spec = spec
	} else {
		params.Name = args[0]
	}
	var reply map[string]bool
	return ch.Call(ctx, "attach", params, &reply)
}

func cmdDetach(ctx context.Context, ch *wire.Channel, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: board detach <name>")
	}
	return ch.Call(ctx, "detach", map[string]string{"name": args[0]}, nil)
}

func cmdReturn(ctx context.Context, ch *wire.Channel, args []string) error {
	fs := flag.NewFlagSet("return", flag.ContinueOnError)
	force := fs.Bool("force", false, "detach first if still attached")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: board return [-force] <name>")
	}
	return ch.Call(ctx, "return", map[string]interface{}{"name": rest[0], "force": *force}, nil)
}

func cmdList(ctx context.Context, ch *wire.Channel) (interface{}, error) {
	var reply []map[string]interface{}
	if err := ch.Call(ctx, "list", nil, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func cmdStatus(ctx context.Context, ch *wire.Channel) (interface{}, error) {
	var reply []map[string]interface{}
	if err := ch.Call(ctx, "status", nil, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func cmdEdit(ctx context.Context, ch *wire.Channel, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: board edit <name> <spec.toml>")
	}
	spec, err := loadSpec(args[1])
	if err != nil {
		return err
	}
	return ch.Call(ctx, "edit", map[string]interface{}{"name": args[0], "spec": spec}, nil)
}
