// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import (
	"context"
	"fmt"
	"sync"
)

// CallContext provides request-scoped information and logging to method handlers.
type CallContext struct {
	// Ctx is the request-scoped context. It is cancelled when the client
	// cancels the request or the server shuts down.
	Ctx context.Context
	// RequestID is the client-supplied id, nil for notifications.
	RequestID *ID
	// SessionID identifies the server process, see [Server.SetSessionID].
	SessionID string
	// Method is the name of the method being invoked.
	Method string
	// LogLevel is the least severe level forwarded by [CallContext.ClientLog].
	LogLevel LogLevel

	mu     sync.Mutex
	logs   []LogMessage
	cancel func(ID) bool
}

// IsNotification reports whether the message being handled carried no id.
func (ctx *CallContext) IsNotification() bool {
	return ctx.RequestID == nil
}

// ClientLog records a message that is sent to the client as a
// build/logMessage notification ahead of the response. Messages less severe
// than LogLevel are dropped. Safe for concurrent use.
func (ctx *CallContext) ClientLog(level LogLevel, msg string) {
	if level > ctx.LogLevel {
		return
	}
	ctx.mu.Lock()
	ctx.logs = append(ctx.logs, LogMessage{Level: level, Message: msg})
	ctx.mu.Unlock()
}

// ClientLogf is ClientLog with a format string.
func (ctx *CallContext) ClientLogf(level LogLevel, format string, args ...any) {
	ctx.ClientLog(level, fmt.Sprintf(format, args...))
}

// CancelRequest cancels another in-flight request by id. It reports whether
// a pending request was found and cancelled.
func (ctx *CallContext) CancelRequest(id ID) bool {
	if ctx.cancel == nil {
		return false
	}
	return ctx.cancel(id)
}

// drainLogs returns and clears all accumulated log messages.
func (ctx *CallContext) drainLogs() []LogMessage {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	logs := ctx.logs
	ctx.logs = nil
	return logs
}
