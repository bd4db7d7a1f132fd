// Command board-hub runs the registry/matchmaking process: it accepts
// control-channel connections from exporters and agents over /ws, serves
// the place snapshot API, and brokers reservations between them.
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
	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/hub"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "board-hub: %s\n", err)
		os.Exit(1)
	}
}

type fileConfig struct {
	hub.Config
	TokensPath string `toml:"tokens_path"`
}

func run() error {
	configPath := flag.String("config", "/etc/board-hub.toml", "path to the hub's TOML config file")
	logLevel := flag.String("log-level", "info", "log level: error, warning, info, debug, trace")
	flag.Parse()

	logger := blog.New("board-hub", blog.ParseLevel(*logLevel))

	var cfg fileConfig
	data, err := os.ReadFile(*configPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", *configPath, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("decoding %s: %w", *configPath, err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}

	auth, err := loadAuthPolicy(cfg.TokensPath)
	if err != nil {
		return err
	}

	srv := hub.NewServer(logger, cfg.Config, auth)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.ILogf("listening on %s", cfg.ListenAddr)
	return srv.Run(ctx)
}

// loadAuthPolicy loads a static bearer-token table when tokensPath is set,
// otherwise leaves auth nil so the hub falls back to its allow-all policy.
func loadAuthPolicy(tokensPath string) (hub.AuthPolicy, error) {
	if tokensPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(tokensPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", tokensPath, err)
	}
	var doc struct {
		Grants []hub.TokenGrant `toml:"grants"`
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", tokensPath, err)
	}
	return hub.NewStaticTokenPolicy(doc.Grants), nil
}
