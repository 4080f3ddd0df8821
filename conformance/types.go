package conformance

import (
	"encoding/json"

	"github.com/Query-farm/bspd/bsprpc"
)

// Status is a string-backed enum.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusClosed  Status = "CLOSED"
)

// Point is a simple 2D point.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AllTypes covers the JSON shapes a BSP payload can carry. Nil pointers are
// stripped on the way out.
type AllTypes struct {
	Str      string           `json:"str"`
	Int      int64            `json:"int"`
	Float    float64          `json:"float"`
	Bool     bool             `json:"bool"`
	List     []string         `json:"list"`
	Dict     map[string]int64 `json:"dict"`
	Status   Status           `json:"status"`
	Point    Point            `json:"point"`
	Optional *string          `json:"optional"`
	Nested   *AllTypes        `json:"nested"`
}

// EchoParams carries any JSON value.
type EchoParams struct {
	Value json.RawMessage `json:"value"`
}

// EchoAllParams wraps an AllTypes.
type EchoAllParams struct {
	Data AllTypes `json:"data"`
}

// FailParams selects the error a test/fail call returns. A zero Code fails
// with a plain Go error, which is reported as an internal error.
type FailParams struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// SleepParams sets how long test/sleep waits before answering.
type SleepParams struct {
	Millis int64 `json:"millis"`
}

// SleepResult is returned by test/sleep when it is not cancelled.
type SleepResult struct {
	Slept int64 `json:"slept"`
}

// UnicodeResult holds text whose UTF-8 length differs from its rune count.
type UnicodeResult struct {
	Text string `json:"text"`
}

// LogEntry is one client log line requested from test/log.
type LogEntry struct {
	Level   bsprpc.LogLevel `json:"level"`
	Message string          `json:"message"`
}

// LogParams lists the lines test/log emits before answering.
type LogParams struct {
	Entries []LogEntry `json:"entries"`
	Value   string     `json:"value"`
}

// NotifyParams drives test/notify. An empty Value produces no output.
type NotifyParams struct {
	Value string `json:"value"`
}

// NotifyResult is emitted for a test/notify notification with a value.
type NotifyResult struct {
	Echo string `json:"echo,omitempty"`
}
