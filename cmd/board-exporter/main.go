// Command board-exporter runs one place's exporter process: it registers
// the place's export description with the hub, serves the CONNECT gateway
// and USB/IP device manager for that place, and forwards token grants from
// the hub's place_reserved/place_returned notifications.
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
	"github.com/sammck-go/boardhub/internal/export"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "board-exporter: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/board-exporter.toml", "path to the exporter's TOML config file")
	logLevel := flag.String("log-level", "info", "log level: error, warning, info, debug, trace")
	flag.Parse()

	logger := blog.New("board-exporter", blog.ParseLevel(*logLevel))

	var cfg export.Config
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
	if cfg.ExportDescPath == "" {
		return fmt.Errorf("%s: export_desc_path is required", *configPath)
	}

	exp, err := export.New(logger, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.ILogf("connecting to hub at %s", cfg.HubURL)
	return exp.Run(ctx)
}
