// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import (
	"fmt"
	"strings"
)

// LogLevel is the severity of a client-directed log message. The values are
// the BSP MessageType codes, so lower is more severe.
type LogLevel int

const (
	// LogError indicates a failure the user should see.
	LogError LogLevel = 1
	// LogWarn indicates a condition that may require attention.
	LogWarn LogLevel = 2
	// LogInfo indicates a normal informational message.
	LogInfo LogLevel = 3
	// LogDebug is the least severe level (BSP "Log").
	LogDebug LogLevel = 4
)

func (l LogLevel) String() string {
	switch l {
	case LogError:
		return "error"
	case LogWarn:
		return "warn"
	case LogInfo:
		return "info"
	case LogDebug:
		return "debug"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// ParseLogLevel maps a level name to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LogError, nil
	case "warn", "warning":
		return LogWarn, nil
	case "info":
		return LogInfo, nil
	case "debug", "log", "":
		return LogDebug, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// LogMessage is a client-directed log line queued by a handler.
type LogMessage struct {
	Level   LogLevel
	Message string
}

// logMessageParams is the build/logMessage notification payload.
type logMessageParams struct {
	Type     LogLevel `json:"type"`
	OriginID string   `json:"originId,omitempty"`
	Message  string   `json:"message"`
}
