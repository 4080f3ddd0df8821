// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// MethodKind classifies a registered method.
type MethodKind int

const (
	// KindDelegated methods forward to the build-query layer.
	KindDelegated MethodKind = iota
	// KindStub methods return a fixed result.
	KindStub
	// KindControl methods act on the server itself (exit, cancellation).
	KindControl
)

func (k MethodKind) String() string {
	switch k {
	case KindDelegated:
		return "delegated"
	case KindStub:
		return "stub"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Control tells the server loop whether to keep reading input.
type Control int

const (
	Continue Control = iota
	Terminate
)

// Outcome is what a handler produced. A nil Result on a request is sent as
// an empty success.
type Outcome struct {
	Result  any
	Control Control
}

// HandlerFunc is the uniform handler signature stored in a Table. params is
// nil when the message had no params member.
type HandlerFunc func(ctx context.Context, call *CallContext, params *json.RawMessage) (Outcome, error)

// methodInfo stores the registration details for one method.
type methodInfo struct {
	Name    string
	Kind    MethodKind
	Handler HandlerFunc
}

// Table maps method names to handlers. It is built once before serving and
// is read-only afterwards.
type Table struct {
	methods map[string]*methodInfo
}

// NewTable creates an empty dispatch table.
func NewTable() *Table {
	return &Table{methods: make(map[string]*methodInfo)}
}

// Handle registers h under name. Registering an empty or duplicate name
// panics.
func (t *Table) Handle(name string, kind MethodKind, h HandlerFunc) {
	if name == "" {
		panic("bsprpc: registering method with empty name")
	}
	if h == nil {
		panic(fmt.Sprintf("bsprpc: registering %q: nil handler", name))
	}
	if _, dup := t.methods[name]; dup {
		panic(fmt.Sprintf("bsprpc: method %q registered twice", name))
	}
	t.methods[name] = &methodInfo{Name: name, Kind: kind, Handler: h}
}

func (t *Table) lookup(name string) (*methodInfo, bool) {
	info, ok := t.methods[name]
	return info, ok
}

// Methods returns the registered method names, sorted.
func (t *Table) Methods() []string {
	names := make([]string, 0, len(t.methods))
	for name := range t.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kind returns the kind of a registered method.
func (t *Table) Kind(name string) (MethodKind, bool) {
	info, ok := t.methods[name]
	if !ok {
		return 0, false
	}
	return info.Kind, true
}

// decodeParams unmarshals params into a P. Absent and null params are both
// reported as missing.
func decodeParams[P any](method string, params *json.RawMessage) (P, error) {
	var p P
	if params == nil || bytes.Equal(bytes.TrimSpace(*params), []byte("null")) {
		return p, errMissingParams(method)
	}
	if err := json.Unmarshal(*params, &p); err != nil {
		return p, errInvalidParams(method, err)
	}
	return p, nil
}

// Request registers a method that requires a params payload of type P and
// returns an R.
func Request[P any, R any](t *Table, name string, kind MethodKind, handler func(context.Context, *CallContext, P) (R, error)) {
	t.Handle(name, kind, func(ctx context.Context, call *CallContext, params *json.RawMessage) (Outcome, error) {
		p, err := decodeParams[P](name, params)
		if err != nil {
			return Outcome{}, err
		}
		r, err := handler(ctx, call, p)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: r}, nil
	})
}

// RequestNoParams registers a method that ignores params and returns an R.
func RequestNoParams[R any](t *Table, name string, kind MethodKind, handler func(context.Context, *CallContext) (R, error)) {
	t.Handle(name, kind, func(ctx context.Context, call *CallContext, _ *json.RawMessage) (Outcome, error) {
		r, err := handler(ctx, call)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: r}, nil
	})
}

// Notification registers a method with params of type P and no result.
func Notification[P any](t *Table, name string, kind MethodKind, handler func(context.Context, *CallContext, P) error) {
	t.Handle(name, kind, func(ctx context.Context, call *CallContext, params *json.RawMessage) (Outcome, error) {
		p, err := decodeParams[P](name, params)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{}, handler(ctx, call, p)
	})
}

// NotificationNoParams registers a method with neither params nor result.
func NotificationNoParams(t *Table, name string, kind MethodKind, handler func(context.Context, *CallContext) error) {
	t.Handle(name, kind, func(ctx context.Context, call *CallContext, _ *json.RawMessage) (Outcome, error) {
		return Outcome{}, handler(ctx, call)
	})
}

// Stub registers a method that always answers with result.
func Stub(t *Table, name string, result any) {
	t.Handle(name, KindStub, func(context.Context, *CallContext, *json.RawMessage) (Outcome, error) {
		return Outcome{Result: result}, nil
	})
}

// HandleControl registers a control method whose handler decides the loop's
// next step.
func HandleControl(t *Table, name string, fn func(context.Context, *CallContext) (Control, error)) {
	t.Handle(name, KindControl, func(ctx context.Context, call *CallContext, _ *json.RawMessage) (Outcome, error) {
		c, err := fn(ctx, call)
		return Outcome{Control: c}, err
	})
}

// HandleExit registers name as a method that ends the session. In-flight
// requests still get their responses.
func HandleExit(t *Table, name string) {
	HandleControl(t, name, func(context.Context, *CallContext) (Control, error) {
		return Terminate, nil
	})
}

type cancelParams struct {
	ID ID `json:"id"`
}

// HandleCancelRequest registers $/cancelRequest. Cancelling an id that is
// unknown or already finished is not an error.
func HandleCancelRequest(t *Table) {
	t.Handle(MethodCancelRequest, KindControl, func(_ context.Context, call *CallContext, params *json.RawMessage) (Outcome, error) {
		p, err := decodeParams[cancelParams](MethodCancelRequest, params)
		if err != nil {
			return Outcome{}, err
		}
		call.CancelRequest(p.ID)
		return Outcome{}, nil
	})
}

// isEmptyResult reports whether v serializes to nothing worth sending.
func isEmptyResult(v any) bool {
	if v == nil {
		return true
	}
	b, err := Marshal(v)
	if err != nil {
		return false
	}
	switch string(bytes.TrimSpace(b)) {
	case "", "null", "{}":
		return true
	}
	return false
}
