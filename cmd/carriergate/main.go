// Command carriergate runs the TLS-terminating WebSocket gateway: it
// accepts client connections on a single listening port, rewrites each
// request's sequence number so concurrent clients can share a small pool
// of persistent upstream connections, and restores the original sequence
// number on the matching response before relaying it back.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nvidia/carriergate/internal/config"
	"github.com/nvidia/carriergate/internal/gateway"
	"github.com/nvidia/carriergate/internal/registry"
	"github.com/nvidia/carriergate/internal/tlsconf"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Parse(args)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		fmt.Fprintln(os.Stderr, "usage: carriergate <bind-address> <port> <registry-path>")
		return 1
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		slog.Error("loading service registry", "error", err)
		return 1
	}

	tlsPair, err := tlsconf.Load(cfg.CertFile, cfg.KeyFile, cfg.CAFile)
	if err != nil {
		slog.Error("loading TLS material", "error", err)
		return 1
	}

	listener := gateway.NewListener(cfg.ListenAddr, tlsPair, reg, cfg.DropOnUpstreamDeath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.ListenAndServe(gctx, cfg.ShutdownGrace)
	})

	if err := g.Wait(); err != nil {
		slog.Error("gateway exited with error", "error", err)
		return 1
	}

	fmt.Fprintln(os.Stderr, "carriergate: shut down cleanly")
	return 0
}
