package bsprpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"

	"github.com/sourcegraph/jsonrpc2"
)

// JSON-RPC error codes. The standard codes come from jsonrpc2; the last two
// are LSP/BSP extensions.
const (
	CodeParseError           int64 = jsonrpc2.CodeParseError
	CodeInvalidRequest       int64 = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound       int64 = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams        int64 = jsonrpc2.CodeInvalidParams
	CodeInternalError        int64 = jsonrpc2.CodeInternalError
	CodeServerNotInitialized int64 = -32002
	CodeRequestCancelled     int64 = -32800
)

// ErrRpc is a sentinel for use with errors.Is to check whether any error in a
// chain is an *RpcError.
var ErrRpc = &RpcError{}

// RpcError is a protocol-level error carried back to the client as the
// "error" member of a response.
type RpcError struct {
	Code    int64
	Message string
	Data    any
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Is supports errors.Is by matching any *RpcError target.
func (e *RpcError) Is(target error) bool {
	_, ok := target.(*RpcError)
	return ok
}

// NewError builds an *RpcError with a formatted message.
func NewError(code int64, format string, args ...any) *RpcError {
	return &RpcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func errMissingParams(method string) *RpcError {
	return NewError(CodeInvalidParams, "missing params for method %s", method)
}

func errInvalidParams(method string, err error) *RpcError {
	return NewError(CodeInvalidParams, "invalid params for method %s: %v", method, err)
}

func errUnknownMethod(method string, available []string) *RpcError {
	return NewError(CodeMethodNotFound, "Unknown method: '%s'. Available methods: %v", method, available)
}

// stackFrame is a single frame reported in debug error data.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorData is attached to internal errors when debug errors are enabled.
type errorData struct {
	ExceptionType    string       `json:"exception_type"`
	ExceptionMessage string       `json:"exception_message"`
	Frames           []stackFrame `json:"frames"`
}

// buildErrorData captures the error type and the caller frames.
func buildErrorData(err error) errorData {
	var frames []stackFrame
	pcs := make([]uintptr, 10)
	n := runtime.Callers(3, pcs)
	if n > 0 {
		callersFrames := runtime.CallersFrames(pcs[:n])
		for len(frames) < 5 {
			frame, more := callersFrames.Next()
			frames = append(frames, stackFrame{
				File:     frame.File,
				Line:     frame.Line,
				Function: frame.Function,
			})
			if !more {
				break
			}
		}
	}
	return errorData{
		ExceptionType:    fmt.Sprintf("%T", err),
		ExceptionMessage: err.Error(),
		Frames:           frames,
	}
}

// wireError converts a handler error into the JSON-RPC error object.
// An *RpcError anywhere in the chain keeps its code and data; anything else
// becomes an internal error.
func wireError(err error, debug bool) *jsonrpc2.Error {
	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		out := &jsonrpc2.Error{Code: rpcErr.Code, Message: rpcErr.Message}
		if rpcErr.Data != nil {
			out.Data = rawData(rpcErr.Data)
		}
		return out
	}
	out := &jsonrpc2.Error{Code: CodeInternalError, Message: err.Error()}
	if debug {
		out.Data = rawData(buildErrorData(err))
	}
	return out
}

func rawData(v any) *json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	raw := json.RawMessage(b)
	return &raw
}
