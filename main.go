package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	logger := SetupLogger(cfg)

	hub := NewHub(cfg, logger)
	out := NewOutbound(hub)
	reassembler := NewReassembler(cfg, out, logger)
	dispatcher := NewDispatcher(hub, out, reassembler, NewScreenThrottle(cfg.ScreenDataInterval, cfg.ScreenThrottleSize), logger)
	srv := NewServer(cfg, hub, dispatcher, reassembler, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return reassembler.Run(ctx) })
	g.Go(srv.ListenAndServe)
	g.Go(srv.ListenAndServeMetrics)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}
