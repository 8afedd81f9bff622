package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/langbridge/edge-gateway/internal/app"
	"github.com/langbridge/edge-gateway/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "edgegateway:", err)
		os.Exit(1)
	}
}

func run() error {
	mode := flag.String("mode", "", "run mode: api or worker (overrides EDGE_GATEWAY_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx, cfg)
}
