// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance provides test fixtures for the bspd protocol
// conformance suite. [RegisterMethods] installs a small set of test/*
// methods that exercise echo with null stripping, handler failures and
// panics, slow handlers that can be cancelled, multi-byte payloads,
// client-directed logging and notifications that answer, together with the
// BSP control methods (shutdown, exit, cancellation).
//
// [Client] speaks the framed wire protocol from the client side and is used
// by the suite and by external drivers of the bsp-conformance binary.
package conformance
