// Command aether-agent runs the tunnel agent process: load config, register
// with every configured controller, and hold its reconnect-loop pool open
// until the process receives a shutdown signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aether-proxy/aether-agent/internal/app"
	"github.com/aether-proxy/aether-agent/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aether-agent: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aether-agent: %v\n", err)
		os.Exit(1)
	}
	defer a.Logger().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Logger().Info("aether-agent starting")

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "aether-agent: %v\n", err)
		os.Exit(1)
	}
}
