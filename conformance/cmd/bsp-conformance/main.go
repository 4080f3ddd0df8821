// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Query-farm/bspd/conformance"

	"go.uber.org/zap"
)

func main() {
	delay := flag.Duration("delay", 0, "response delay, production servers use 200ms")
	replyOnCancel := flag.Bool("reply-on-cancel", false, "answer cancelled requests with -32800")
	maxInFlight := flag.Int64("max-in-flight", 0, "bound on concurrent handlers, 0 for none")
	verbose := flag.Bool("v", false, "log to stderr")
	flag.Parse()

	server := conformance.NewServer()
	server.SetResponseDelay(*delay)
	server.SetReplyOnCancel(*replyOnCancel)
	server.SetMaxInFlight(*maxInFlight)
	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = logger.Sync() }()
		server.SetLogger(logger)
	}

	// Catch SIGTERM/SIGINT so the process exits cleanly and flushes
	// coverage data when built with -cover.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := server.RunStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		os.Exit(1)
	}
}
