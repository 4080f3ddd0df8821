// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import "context"

// Message kind constants for DispatchInfo.Kind.
const (
	DispatchKindRequest      = "request"
	DispatchKindNotification = "notification"
)

// DispatchHook provides observability callpoints around handler dispatch.
// Implementations must be safe for concurrent use; every message runs on its
// own goroutine.
type DispatchHook interface {
	OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken)
	OnDispatchEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnDispatchStart and passed back to
// OnDispatchEnd. Only meaningful to the DispatchHook that created it.
type HookToken interface{}

// DispatchInfo carries message metadata passed to hooks.
type DispatchInfo struct {
	Method     string // JSON-RPC method name
	Kind       string // DispatchKindRequest or DispatchKindNotification
	MethodKind string // delegated, stub, control or unknown
	SessionID  string // Server session identifier
	RequestID  string // Client-supplied id rendered as a string, empty for notifications
}

// CallStatistics holds per-message counters.
type CallStatistics struct {
	ParamsBytes int64
	LogMessages int64
	Cancelled   bool
}

// RecordLogs records client log messages emitted ahead of the response.
func (s *CallStatistics) RecordLogs(n int) {
	s.LogMessages += int64(n)
}
