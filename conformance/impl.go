// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"errors"
	"time"

	"github.com/Query-farm/bspd/bsp"
	"github.com/Query-farm/bspd/bsprpc"
)

// Fixture method names.
const (
	MethodEcho    = "test/echo"
	MethodEchoAll = "test/echoAll"
	MethodFail    = "test/fail"
	MethodPanic   = "test/panic"
	MethodSleep   = "test/sleep"
	MethodUnicode = "test/unicode"
	MethodLog     = "test/log"
	MethodNotify  = "test/notify"
)

// UnicodeText is the fixed answer of test/unicode.
const UnicodeText = "γ δ λ → 日本語 🚀"

// RegisterMethods registers all conformance methods on table.
func RegisterMethods(table *bsprpc.Table) {
	// Echo
	bsprpc.Request(table, MethodEcho, bsprpc.KindDelegated, echo)
	bsprpc.Request(table, MethodEchoAll, bsprpc.KindDelegated, echoAll)

	// Error propagation
	bsprpc.Request(table, MethodFail, bsprpc.KindDelegated, fail)
	bsprpc.RequestNoParams(table, MethodPanic, bsprpc.KindDelegated, panics)

	// Latency and cancellation
	bsprpc.Request(table, MethodSleep, bsprpc.KindDelegated, sleep)

	// Payload encoding
	bsprpc.RequestNoParams(table, MethodUnicode, bsprpc.KindDelegated, unicode)

	// Client-directed logging
	bsprpc.Request(table, MethodLog, bsprpc.KindDelegated, logLines)

	// Notification with a result
	bsprpc.Request(table, MethodNotify, bsprpc.KindDelegated, notify)

	// Control
	bsprpc.NotificationNoParams(table, bsp.MethodInitialized, bsprpc.KindStub,
		func(context.Context, *bsprpc.CallContext) error { return nil })
	bsprpc.HandleExit(table, bsp.MethodShutdown)
	bsprpc.HandleExit(table, bsp.MethodExit)
	bsprpc.HandleCancelRequest(table)
}

// NewServer returns a server with the conformance methods registered and
// debug error data enabled.
func NewServer() *bsprpc.Server {
	table := bsprpc.NewTable()
	RegisterMethods(table)
	server := bsprpc.NewServer(table)
	server.SetDebugErrors(true)
	return server
}

func echo(_ context.Context, _ *bsprpc.CallContext, p EchoParams) (EchoParams, error) {
	return p, nil
}

func echoAll(_ context.Context, _ *bsprpc.CallContext, p EchoAllParams) (AllTypes, error) {
	return p.Data, nil
}

func fail(_ context.Context, _ *bsprpc.CallContext, p FailParams) (struct{}, error) {
	if p.Code == 0 {
		return struct{}{}, errors.New(p.Message)
	}
	return struct{}{}, bsprpc.NewError(p.Code, "%s", p.Message)
}

func panics(context.Context, *bsprpc.CallContext) (struct{}, error) {
	panic("intentional panic")
}

func sleep(ctx context.Context, _ *bsprpc.CallContext, p SleepParams) (SleepResult, error) {
	timer := time.NewTimer(time.Duration(p.Millis) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return SleepResult{Slept: p.Millis}, nil
	case <-ctx.Done():
		return SleepResult{}, ctx.Err()
	}
}

func unicode(context.Context, *bsprpc.CallContext) (UnicodeResult, error) {
	return UnicodeResult{Text: UnicodeText}, nil
}

func logLines(_ context.Context, call *bsprpc.CallContext, p LogParams) (NotifyResult, error) {
	for _, e := range p.Entries {
		call.ClientLog(e.Level, e.Message)
	}
	return NotifyResult{Echo: p.Value}, nil
}

func notify(_ context.Context, _ *bsprpc.CallContext, p NotifyParams) (NotifyResult, error) {
	return NotifyResult{Echo: p.Value}, nil
}
