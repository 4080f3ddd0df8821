// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package bsprpc implements the transport and concurrency core of a Build
// Server Protocol server: JSON-RPC 2.0 messages framed with a Content-Length
// header and exchanged over a stdio duplex.
//
// # Framing
//
// Every message is a header block followed by a JSON body:
//
//	Content-Length: 52\r\n
//	\r\n
//	{"jsonrpc":"2.0","id":1,"method":"build/initialize"}
//
// The length counts bytes of the UTF-8 body. [Encode] removes null-valued
// object members before framing, since several BSP clients reject explicit
// nulls. A malformed message is reported by [Decoder.Next] as a
// [*FrameError] and the stream keeps going.
//
// # Dispatch
//
// A [Table] maps method names to handlers. Register handlers with the
// generic helpers:
//
//   - [Request] / [RequestNoParams]: methods returning a result.
//   - [Notification] / [NotificationNoParams]: methods returning nothing.
//   - [Stub]: methods answering with a constant.
//   - [HandleExit] and [HandleCancelRequest]: control methods.
//
// Handlers return an [Outcome]. An Outcome with [Terminate] stops the server
// after in-flight requests have been answered.
//
// # Concurrency
//
// [Server.Serve] runs every message on its own goroutine. Responses pass
// through a bounded queue drained by a single writer, so frames never
// interleave but requests may complete in any order. Each request with an id
// holds a lease that either its handler or a $/cancelRequest claims first;
// only the winner acts, so a request is never answered twice.
//
// Each response is held back by [Server.SetResponseDelay] (200ms by default)
// before it is written. Some clients mis-track requests whose responses
// arrive immediately.
//
// # Diagnostics
//
// [Mirror] tees the raw input and output streams into append-only files.
// [DispatchHook] observes every dispatch; see package bspotel for an
// OpenTelemetry implementation.
package bsprpc
