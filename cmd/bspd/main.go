// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command bspd serves the Build Server Protocol on stdin and stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Query-farm/bspd/bsp"
	"github.com/Query-farm/bspd/bsprpc"
	bspotel "github.com/Query-farm/bspd/bsprpc/otel"
	"github.com/Query-farm/bspd/internal/config"
	"github.com/Query-farm/bspd/workspace"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	manifest := flag.String("workspace", "", "workspace manifest, overrides workspace.manifest")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("bspd", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bspd: %v\n", err)
		os.Exit(2)
	}
	if *manifest != "" {
		cfg.Workspace.Manifest = *manifest
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "bspd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) (err error) {
	diagDir, err := os.MkdirTemp(cfg.Diagnostics.Dir, "bspd-")
	if err != nil {
		return fmt.Errorf("creating diagnostics dir: %w", err)
	}

	logger, err := cfg.NewLogger(diagDir)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	session := workspace.NewSession(
		workspace.WithManifestPath(cfg.Workspace.Manifest),
		workspace.WithLogger(logger.Named("workspace")),
		workspace.WithServerInfo("bspd", version),
	)
	server := bsp.NewServer(session)
	logger = logger.With(zap.String("session", server.SessionID()))
	logger.Info("diagnostics directory", zap.String("path", diagDir))

	if err := configureServer(server, cfg, logger); err != nil {
		return err
	}

	if cfg.Diagnostics.Mirror {
		compression, _ := bsprpc.ParseCompression(cfg.Diagnostics.Compression)
		mirror, openErr := bsprpc.OpenMirror(diagDir, compression, logger.Named("mirror"))
		if openErr != nil {
			return openErr
		}
		defer func() { err = multierr.Append(err, mirror.Close()) }()
		server.SetMirror(mirror)
		logger.Info("mirroring streams",
			zap.String("in", mirror.InboundPath()),
			zap.String("out", mirror.OutboundPath()))
	}

	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		tel, telErr := startTelemetry(diagDir, cfg.Telemetry)
		if telErr != nil {
			return telErr
		}
		defer func() { err = multierr.Append(err, tel.shutdown(context.Background())) }()

		otelCfg := bspotel.DefaultConfig()
		otelCfg.TracerProvider = tel.tracerProvider()
		otelCfg.MeterProvider = tel.meterProvider()
		otelCfg.EnableTracing = cfg.Telemetry.Traces
		otelCfg.EnableMetrics = cfg.Telemetry.Metrics
		otelCfg.CustomAttributes = []attribute.KeyValue{attribute.String("bspd.version", version)}
		bspotel.InstrumentServer(server, otelCfg)
	}

	err = server.RunStdio(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted")
		return nil
	}
	if err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func configureServer(server *bsprpc.Server, cfg config.Config, logger *zap.Logger) error {
	level, err := bsprpc.ParseLogLevel(cfg.Server.ClientLogLevel)
	if err != nil {
		return err
	}
	server.SetLogger(logger.Named("rpc"))
	server.SetResponseDelay(cfg.Server.ResponseDelay)
	server.SetOutboundQueueSize(cfg.Server.OutboundQueue)
	server.SetMaxInFlight(cfg.Server.MaxInFlight)
	server.SetMaxFrameSize(cfg.Server.MaxFrameSize)
	server.SetReplyOnCancel(cfg.Server.ReplyOnCancel)
	server.SetDebugErrors(cfg.Server.DebugErrors)
	server.SetClientLogLevel(level)
	return nil
}
