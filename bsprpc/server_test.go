// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// wireMessage is what a test client reads back.
type wireMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *json.RawMessage `json:"error,omitempty"`
	raw     string
}

func (m wireMessage) errorObject(t *testing.T) (code int64, message string) {
	t.Helper()
	require.NotNil(t, m.Error, "expected error in %s", m.raw)
	var e struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(*m.Error, &e))
	return e.Code, e.Message
}

// testClient drives a Server over a pair of pipes.
type testClient struct {
	t      *testing.T
	server *Server
	in     *io.PipeWriter
	dec    *Decoder
	done   chan error
	msgs   chan wireMessage
}

func startServer(t *testing.T, table *Table, configure func(*Server)) *testClient {
	t.Helper()
	srv := NewServer(table)
	srv.SetResponseDelay(0)
	if configure != nil {
		configure(srv)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	c := &testClient{
		t:      t,
		server: srv,
		in:     inW,
		dec:    NewDecoder(outR),
		done:   make(chan error, 1),
		msgs:   make(chan wireMessage, 256),
	}
	go func() {
		err := srv.Serve(context.Background(), inR, outW)
		_ = outW.Close()
		c.done <- err
	}()
	go func() {
		defer close(c.msgs)
		for {
			body, err := c.dec.Next()
			if err != nil {
				return
			}
			var m wireMessage
			if json.Unmarshal(body, &m) == nil {
				m.raw = string(body)
				c.msgs <- m
			}
		}
	}()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})
	return c
}

func (c *testClient) sendRaw(body string) {
	c.t.Helper()
	_, err := c.in.Write(Frame([]byte(body)))
	require.NoError(c.t, err)
}

func (c *testClient) request(id any, method string, params any) {
	c.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	b, err := json.Marshal(msg)
	require.NoError(c.t, err)
	c.sendRaw(string(b))
}

func (c *testClient) notify(method string, params any) {
	c.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	b, err := json.Marshal(msg)
	require.NoError(c.t, err)
	c.sendRaw(string(b))
}

func (c *testClient) next() wireMessage {
	c.t.Helper()
	select {
	case m, ok := <-c.msgs:
		require.True(c.t, ok, "output closed")
		return m
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for a message")
		return wireMessage{}
	}
}

// expectNone asserts nothing arrives within d.
func (c *testClient) expectNone(d time.Duration) {
	c.t.Helper()
	select {
	case m, ok := <-c.msgs:
		if ok {
			c.t.Fatalf("unexpected message %s", m.raw)
		}
	case <-time.After(d):
	}
}

// closeAndWait ends the input and returns the outputs still pending plus
// the error Serve returned.
func (c *testClient) closeAndWait() ([]wireMessage, error) {
	c.t.Helper()
	_ = c.in.Close()
	var rest []wireMessage
	for m := range c.msgs {
		rest = append(rest, m)
	}
	select {
	case err := <-c.done:
		return rest, err
	case <-time.After(5 * time.Second):
		c.t.Fatal("server did not stop")
		return nil, nil
	}
}

type echoParams struct {
	Value any `json:"value"`
}

type sleepParams struct {
	Millis int `json:"millis"`
}

func testTable(t *testing.T) *Table {
	table := NewTable()
	Request(table, "echo", KindDelegated, func(_ context.Context, _ *CallContext, p echoParams) (echoParams, error) {
		return p, nil
	})
	RequestNoParams(table, "nothing", KindDelegated, func(context.Context, *CallContext) (any, error) {
		return nil, nil
	})
	RequestNoParams(table, "fail", KindDelegated, func(context.Context, *CallContext) (any, error) {
		return nil, errors.New("build layer exploded")
	})
	RequestNoParams(table, "panic", KindDelegated, func(context.Context, *CallContext) (any, error) {
		panic("kaboom")
	})
	Request(table, "sleep", KindDelegated, func(ctx context.Context, _ *CallContext, p sleepParams) (map[string]int, error) {
		select {
		case <-time.After(time.Duration(p.Millis) * time.Millisecond):
			return map[string]int{"slept": p.Millis}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	RequestNoParams(table, "log", KindDelegated, func(_ context.Context, call *CallContext) (string, error) {
		call.ClientLog(LogInfo, "compiling")
		call.ClientLog(LogDebug, "details")
		return "done", nil
	})
	NotificationNoParams(table, "build/initialized", KindDelegated, func(context.Context, *CallContext) error {
		return nil
	})
	RequestNoParams(table, "notifyResult", KindDelegated, func(context.Context, *CallContext) (map[string]string, error) {
		return map[string]string{"status": "ok"}, nil
	})
	HandleExit(table, "build/shutdown")
	HandleExit(table, "build/exit")
	HandleCancelRequest(table)
	return table
}

func TestServeEchoAndNullStripping(t *testing.T) {
	c := startServer(t, testTable(t), nil)

	c.request(1, "echo", map[string]any{"value": map[string]any{"keep": "γ", "drop": nil}})
	m := c.next()
	assert.Equal(t, "1", string(m.ID))
	assert.JSONEq(t, `{"value":{"keep":"γ"}}`, string(m.Result))
	assert.Nil(t, m.Error)
	assert.NotContains(t, m.raw, "null")

	c.request("str-id", "nothing", nil)
	m = c.next()
	assert.Equal(t, `"str-id"`, string(m.ID))
	assert.Empty(t, m.Result)
	assert.Nil(t, m.Error)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"str-id"}`, m.raw)

	rest, err := c.closeAndWait()
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, StateStopped, c.server.State())
}

func TestServeErrorsAreResponses(t *testing.T) {
	c := startServer(t, testTable(t), nil)

	c.request(1, "foo/bar", nil)
	code, msg := c.next().errorObject(t)
	assert.Equal(t, CodeMethodNotFound, code)
	assert.Contains(t, msg, "Unknown method: 'foo/bar'")

	c.request(2, "echo", nil)
	code, msg = c.next().errorObject(t)
	assert.Equal(t, CodeInvalidParams, code)
	assert.Contains(t, msg, "echo")

	c.request(3, "fail", nil)
	code, msg = c.next().errorObject(t)
	assert.Equal(t, CodeInternalError, code)
	assert.Equal(t, "build layer exploded", msg)

	c.request(4, "panic", nil)
	m := c.next()
	assert.Equal(t, "4", string(m.ID))
	code, msg = m.errorObject(t)
	assert.Equal(t, CodeInternalError, code)
	assert.Contains(t, msg, "kaboom")

	// The server is still serving.
	c.request(5, "echo", map[string]any{"value": 1})
	assert.Equal(t, "5", string(c.next().ID))

	_, err := c.closeAndWait()
	require.NoError(t, err)
}

func TestServeNotificationsWithoutResultEmitNothing(t *testing.T) {
	c := startServer(t, testTable(t), nil)

	c.notify("build/initialized", nil)
	c.notify("foo/bar", nil)
	c.notify("fail", nil)
	c.expectNone(100 * time.Millisecond)

	c.notify("notifyResult", nil)
	m := c.next()
	assert.Empty(t, m.ID)
	assert.JSONEq(t, `{"status":"ok"}`, string(m.Result))

	_, err := c.closeAndWait()
	require.NoError(t, err)
}

func TestServeClientLogsPrecedeResponse(t *testing.T) {
	c := startServer(t, testTable(t), func(s *Server) { s.SetClientLogLevel(LogInfo) })

	c.request("L", "log", nil)
	logMsg := c.next()
	assert.Equal(t, MethodLogMessage, logMsg.Method)
	assert.JSONEq(t, `{"type":3,"originId":"L","message":"compiling"}`, string(logMsg.Params))

	resp := c.next()
	assert.Equal(t, `"L"`, string(resp.ID))
	assert.JSONEq(t, `"done"`, string(resp.Result))

	_, err := c.closeAndWait()
	require.NoError(t, err)
}

func TestServeCancelSuppressesResponse(t *testing.T) {
	c := startServer(t, testTable(t), nil)

	c.request(10, "sleep", map[string]any{"millis": 10_000})
	c.notify(MethodCancelRequest, map[string]any{"id": 10})
	c.request(11, "echo", map[string]any{"value": "after"})

	m := c.next()
	assert.Equal(t, "11", string(m.ID))

	rest, err := c.closeAndWait()
	require.NoError(t, err)
	for _, r := range rest {
		assert.NotEqual(t, "10", string(r.ID), "cancelled request answered: %s", r.raw)
	}
}

func TestServeReplyOnCancel(t *testing.T) {
	c := startServer(t, testTable(t), func(s *Server) { s.SetReplyOnCancel(true) })

	c.request("slow", "sleep", map[string]any{"millis": 10_000})
	c.notify(MethodCancelRequest, map[string]any{"id": "slow"})

	m := c.next()
	assert.Equal(t, `"slow"`, string(m.ID))
	code, _ := m.errorObject(t)
	assert.Equal(t, CodeRequestCancelled, code)

	rest, err := c.closeAndWait()
	require.NoError(t, err)
	assert.Empty(t, rest, "exactly one message for a cancelled request")
}

func TestServeCancelUnknownIDIsNoop(t *testing.T) {
	c := startServer(t, testTable(t), nil)

	c.request(1, "echo", map[string]any{"value": 1})
	assert.Equal(t, "1", string(c.next().ID))

	c.notify(MethodCancelRequest, map[string]any{"id": 1})
	c.notify(MethodCancelRequest, map[string]any{"id": "never-sent"})
	c.expectNone(100 * time.Millisecond)

	rest, err := c.closeAndWait()
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestServeConcurrentRequestsAllAnswered(t *testing.T) {
	c := startServer(t, testTable(t), nil)

	const n = 40
	for i := 0; i < n; i++ {
		c.request(i, "sleep", map[string]any{"millis": (n - i) * 2})
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		m := c.next()
		require.Nil(t, m.Error, m.raw)
		var res map[string]int
		require.NoError(t, json.Unmarshal(m.Result, &res))
		var id int
		require.NoError(t, json.Unmarshal(m.ID, &id))
		assert.Equal(t, (n-id)*2, res["slept"], "result correlated to id %d", id)
		assert.False(t, seen[string(m.ID)])
		seen[string(m.ID)] = true
	}
	assert.Len(t, seen, n)

	_, err := c.closeAndWait()
	require.NoError(t, err)
}

func TestServeShutdownDrainsInFlight(t *testing.T) {
	c := startServer(t, testTable(t), nil)

	c.request(1, "sleep", map[string]any{"millis": 200})
	c.request(2, "build/shutdown", nil)

	var got []wireMessage
	got = append(got, c.next(), c.next())
	ids := []string{string(got[0].ID), string(got[1].ID)}
	assert.ElementsMatch(t, []string{"1", "2"}, ids)

	select {
	case err := <-c.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after shutdown")
	}
	assert.Equal(t, StateStopped, c.server.State())

	// Input after shutdown is never dispatched.
	go func() { _, _ = c.in.Write(Frame([]byte(`{"jsonrpc":"2.0","id":3,"method":"echo","params":{"value":1}}`))) }()
	for m := range c.msgs {
		t.Fatalf("message after shutdown: %s", m.raw)
	}
}

func TestServeMalformedFramesAreDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c := startServer(t, testTable(t), func(s *Server) { s.SetLogger(zap.New(core)) })

	_, err := c.in.Write([]byte("Content-Length: 3\r\n\r\n{x}"))
	require.NoError(t, err)
	c.sendRaw(`{"jsonrpc":"2.0","result":1}`)
	c.request(1, "echo", map[string]any{"value": "still alive"})

	m := c.next()
	assert.Equal(t, "1", string(m.ID))

	_, err = c.closeAndWait()
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("dropping malformed message").Len())
	assert.Equal(t, 1, logs.FilterMessage("dropping undecodable message").Len())
}

func TestServeResponseDelay(t *testing.T) {
	c := startServer(t, testTable(t), func(s *Server) { s.SetResponseDelay(200 * time.Millisecond) })

	start := time.Now()
	c.request(1, "echo", map[string]any{"value": 1})
	c.request(2, "echo", map[string]any{"value": 2})
	c.next()
	c.next()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	// Delays run per request, not one after another.
	assert.Less(t, elapsed, 390*time.Millisecond)

	_, err := c.closeAndWait()
	require.NoError(t, err)
}

func TestServeMaxInFlight(t *testing.T) {
	table := NewTable()
	var mu sync.Mutex
	running, peak := 0, 0
	RequestNoParams(table, "work", KindDelegated, func(context.Context, *CallContext) (int, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return 1, nil
	})
	c := startServer(t, table, func(s *Server) { s.SetMaxInFlight(2) })

	for i := 0; i < 8; i++ {
		c.request(i, "work", nil)
	}
	for i := 0; i < 8; i++ {
		c.next()
	}
	_, err := c.closeAndWait()
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

type recordingHook struct {
	mu     sync.Mutex
	starts []DispatchInfo
	ends   []string
}

func (h *recordingHook) OnDispatchStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, info)
	return ctx, info.Method
}

func (h *recordingHook) OnDispatchEnd(_ context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ends = append(h.ends, fmt.Sprintf("%v:%s:%d:%t:%t", token, info.Kind, stats.LogMessages, stats.Cancelled, err != nil))
}

func TestServeDispatchHook(t *testing.T) {
	hook := &recordingHook{}
	c := startServer(t, testTable(t), func(s *Server) {
		s.SetDispatchHook(hook)
		s.SetSessionID("session-1")
	})

	c.request(7, "log", nil)
	c.next()
	c.next()
	c.next()
	c.request(8, "fail", nil)
	c.next()
	_, err := c.closeAndWait()
	require.NoError(t, err)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.Len(t, hook.starts, 2)
	assert.Equal(t, DispatchInfo{
		Method:     "log",
		Kind:       DispatchKindRequest,
		MethodKind: "delegated",
		SessionID:  "session-1",
		RequestID:  "7",
	}, hook.starts[0])
	assert.ElementsMatch(t, []string{"log:request:2:false:false", "fail:request:0:false:true"}, hook.ends)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	srv := NewServer(testTable(t))
	inR, inW := io.Pipe()
	defer inW.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, inR, io.Discard) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server ignored context cancellation")
	}
	assert.Error(t, srv.Serve(context.Background(), inR, io.Discard), "second Serve must fail")
}

func TestServeEchoesIDLiterals(t *testing.T) {
	c := startServer(t, testTable(t), func(s *Server) { s.SetReplyOnCancel(true) })

	c.sendRaw(`{"jsonrpc":"2.0","id":-1,"method":"echo","params":{"value":"neg"}}`)
	c.sendRaw(`{"jsonrpc":"2.0","id":1.5,"method":"echo","params":{"value":"frac"}}`)
	c.sendRaw(`{"jsonrpc":"2.0","id":7,"method":"echo","params":{"value":"int"}}`)

	got := make(map[string]string)
	for i := 0; i < 3; i++ {
		m := c.next()
		require.Nil(t, m.Error, m.raw)
		var res echoParams
		require.NoError(t, json.Unmarshal(m.Result, &res))
		got[string(m.ID)] = res.Value.(string)
	}
	assert.Equal(t, map[string]string{"-1": "neg", "1.5": "frac", "7": "int"}, got)

	c.sendRaw(`{"jsonrpc":"2.0","id":-2,"method":"sleep","params":{"millis":10000}}`)
	c.sendRaw(`{"jsonrpc":"2.0","method":"$/cancelRequest","params":{"id":-2}}`)
	m := c.next()
	assert.Equal(t, "-2", string(m.ID))
	code, _ := m.errorObject(t)
	assert.Equal(t, CodeRequestCancelled, code)

	rest, err := c.closeAndWait()
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestServeCancelWhileSaturated(t *testing.T) {
	table := testTable(t)
	started := make(chan struct{}, 1)
	RequestNoParams(table, "hold", KindDelegated, func(ctx context.Context, _ *CallContext) (any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := startServer(t, table, func(s *Server) {
		s.SetMaxInFlight(1)
		s.SetReplyOnCancel(true)
	})

	c.request(1, "hold", nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never started")
	}
	// The only slot is taken; this one queues.
	c.request(2, "echo", map[string]any{"value": "queued"})

	c.notify(MethodCancelRequest, map[string]any{"id": 2})
	m := c.next()
	assert.Equal(t, "2", string(m.ID))
	code, _ := m.errorObject(t)
	assert.Equal(t, CodeRequestCancelled, code)

	c.notify(MethodCancelRequest, map[string]any{"id": 1})
	m = c.next()
	assert.Equal(t, "1", string(m.ID))
	code, _ = m.errorObject(t)
	assert.Equal(t, CodeRequestCancelled, code)

	c.request(3, "echo", map[string]any{"value": "after"})
	m = c.next()
	assert.Equal(t, "3", string(m.ID))
	assert.JSONEq(t, `{"value":"after"}`, string(m.Result))

	rest, err := c.closeAndWait()
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestServeClosesInputOnReturn(t *testing.T) {
	c := startServer(t, testTable(t), nil)

	c.request(1, "build/shutdown", nil)
	assert.Equal(t, "1", string(c.next().ID))
	select {
	case err := <-c.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after shutdown")
	}

	_, err := c.in.Write(Frame([]byte(`{"jsonrpc":"2.0","id":2,"method":"echo"}`)))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}
