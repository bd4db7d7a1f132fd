// Command board-agent runs the agent process: it holds a duplex control
// channel to the hub, keeps an in-memory table of named reservations, and
// exposes reserve/attach/detach/return/list/status/edit over a Unix domain
// socket for the board CLI to talk to.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pelletier/go-toml/v2"
	"github.com/sammck-go/boardhub/internal/agent"
	"github.com/sammck-go/boardhub/internal/blog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "board-agent: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/board-agent.toml", "path to the agent's TOML config file")
	logLevel := flag.String("log-level", "info", "log level: error, warning, info, debug, trace")
	flag.Parse()

	logger := blog.New("board-agent", blog.ParseLevel(*logLevel))

	var cfg agent.Config
	data, err := os.ReadFile(*configPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", *configPath, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("decoding %s: %w", *configPath, err)
	}
	if cfg.HubURL == "" {
		return fmt.Errorf("%s: hub_url is required", *configPath)
	}

	a := agent.New(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.ILogf("connecting to hub at %s, serving ipc at %s", cfg.HubURL, cfg.SocketPath)
	return a.Run(ctx)
}
