package bsprpc

import "time"

// Well-known names and limits used on the wire.
const (
	JSONRPCVersion = "2.0"

	HeaderContentLength = "Content-Length"

	MethodCancelRequest = "$/cancelRequest"
	MethodLogMessage    = "build/logMessage"

	DefaultMaxFrameSize  = 64 << 20
	DefaultOutboundQueue = 64
	DefaultResponseDelay = 200 * time.Millisecond
)
