// Copyright 2026 The Flux Authors
// SPDX-License-Identifier: Apache-2.0

// Flux-broker is the signaling broker for peer-to-peer file transfers.
// It rendezvouses senders and receivers by six-digit transfer code and
// relays WebRTC signaling between them; file data never touches it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/hyuraku/flux/lib/clock"
	"github.com/hyuraku/flux/lib/config"
	"github.com/hyuraku/flux/lib/version"
	"github.com/hyuraku/flux/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listenAddr string
	var logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("flux-broker", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (or FLUX_CONFIG)")
	flagSet.StringVar(&listenAddr, "listen", "", "listen address, overrides config (or FLUX_LISTEN_ADDR)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("flux-broker %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listenAddr != "" {
		cfg.Broker.ListenAddr = listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting flux-broker", "listen", cfg.Broker.ListenAddr)
	server := signaling.NewServer(cfg.Broker, clock.Real(), logger)
	if err := server.Run(ctx, cfg.Broker.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
