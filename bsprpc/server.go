// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ServerState is the phase of the server loop.
type ServerState int32

const (
	// StateRunning reads and dispatches input.
	StateRunning ServerState = iota
	// StateDraining reads no more input and waits for in-flight handlers.
	StateDraining
	// StateStopped has flushed all output.
	StateStopped
)

func (s ServerState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("ServerState(%d)", int32(s))
	}
}

// Server reads framed JSON-RPC messages, runs each one on its own goroutine
// and writes the responses through a single output sequencer.
type Server struct {
	table          *Table
	sessionID      string
	logger         *zap.Logger
	dispatchHook   DispatchHook
	debugErrors    bool
	replyOnCancel  bool
	responseDelay  time.Duration
	queueSize      int
	maxInFlight    int64
	maxFrameSize   int64
	clientLogLevel LogLevel
	mirror         *Mirror

	state  atomic.Int32
	served atomic.Bool
	leases *leaseTable
}

// NewServer creates a server dispatching through table.
func NewServer(table *Table) *Server {
	if table == nil {
		table = NewTable()
	}
	return &Server{
		table:          table,
		sessionID:      uuid.NewString(),
		logger:         zap.NewNop(),
		responseDelay:  DefaultResponseDelay,
		queueSize:      DefaultOutboundQueue,
		maxFrameSize:   DefaultMaxFrameSize,
		clientLogLevel: LogDebug,
		leases:         newLeaseTable(),
	}
}

// Table returns the dispatch table.
func (s *Server) Table() *Table { return s.table }

// SetSessionID overrides the generated session identifier.
func (s *Server) SetSessionID(id string) { s.sessionID = id }

// SessionID returns the session identifier.
func (s *Server) SessionID() string { return s.sessionID }

// SetLogger sets the operator-facing logger. Nothing is ever logged to the
// protocol stream.
func (s *Server) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.logger = logger
}

// SetDispatchHook registers a hook that is called around each dispatch.
func (s *Server) SetDispatchHook(hook DispatchHook) { s.dispatchHook = hook }

// SetDebugErrors controls whether internal error responses include the Go
// error type and caller frames in error.data.
func (s *Server) SetDebugErrors(enabled bool) { s.debugErrors = enabled }

// SetReplyOnCancel makes a cancelled request answer with a RequestCancelled
// error instead of no response at all.
func (s *Server) SetReplyOnCancel(enabled bool) { s.replyOnCancel = enabled }

// SetResponseDelay sets the pause between computing an outcome and emitting
// it. Some clients lose track of requests whose responses arrive too quickly.
func (s *Server) SetResponseDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.responseDelay = d
}

// SetOutboundQueueSize bounds the number of messages waiting to be written.
func (s *Server) SetOutboundQueueSize(n int) { s.queueSize = n }

// SetMaxInFlight bounds the number of concurrently running handlers. Zero
// (the default) means unbounded.
func (s *Server) SetMaxInFlight(n int64) { s.maxInFlight = n }

// SetMaxFrameSize bounds the accepted Content-Length of inbound messages.
func (s *Server) SetMaxFrameSize(n int64) { s.maxFrameSize = n }

// SetClientLogLevel sets the least severe level forwarded to the client as
// build/logMessage.
func (s *Server) SetClientLogLevel(level LogLevel) { s.clientLogLevel = level }

// SetMirror tees the raw input and output streams into m.
func (s *Server) SetMirror(m *Mirror) { s.mirror = m }

// State returns the current loop state.
func (s *Server) State() ServerState { return ServerState(s.state.Load()) }

// RunStdio serves on stdin and stdout until exit, EOF or ctx is done.
func (s *Server) RunStdio(ctx context.Context) error {
	// Writes to a closed stdout must fail with EPIPE rather than kill us.
	signal.Ignore(syscall.SIGPIPE)

	if isTerminal(os.Stdin) || isTerminal(os.Stdout) {
		fmt.Fprintln(os.Stderr,
			"WARNING: This process speaks the Build Server Protocol on stdin/stdout "+
				"and is not intended to be run interactively.\n"+
				"It should be launched by a BSP client (an IDE or build tool).")
	}
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// isTerminal reports whether f is connected to a terminal.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

type frame struct {
	body []byte
	err  error
}

// Serve runs the server loop on r and w. It returns nil after an exit
// method or a clean EOF once every in-flight handler has been answered, and
// an error when the transport fails. A Server can serve only once.
//
// When r is an io.Closer, Serve closes it before returning so the reading
// goroutine stops and later client writes fail instead of blocking. A reader
// that cannot be closed keeps that goroutine parked in Read until the input
// yields data or EOF.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	if !s.served.CompareAndSwap(false, true) {
		return errors.New("bsprpc: server already served")
	}
	s.state.Store(int32(StateRunning))
	if c, ok := r.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	r = s.mirror.WrapReader(r)
	w = s.mirror.WrapWriter(w)

	g, gctx := errgroup.WithContext(ctx)
	out := newSequencer(w, s.queueSize, s.logger)
	// Handlers run under gctx, so a failed writer unblocks them too.
	g.Go(out.run)

	var sem *semaphore.Weighted
	if s.maxInFlight > 0 {
		sem = semaphore.NewWeighted(s.maxInFlight)
	}
	exit := newExitSignal()
	var tasks sync.WaitGroup

	dec := NewDecoder(r)
	dec.SetMaxFrameSize(s.maxFrameSize)
	frames := make(chan frame)
	stop := make(chan struct{})
	go func() {
		for {
			body, err := dec.Next()
			select {
			case frames <- frame{body: body, err: err}:
			case <-stop:
				return
			}
			if err != nil && !IsFrameError(err) {
				return
			}
		}
	}()

	s.logger.Info("bsp server started", zap.String("session_id", s.sessionID))

	var loopErr error
loop:
	for {
		select {
		case <-exit.Done():
			break loop
		case <-gctx.Done():
			if err := ctx.Err(); err != nil {
				loopErr = err
			}
			break loop
		case f := <-frames:
			if f.err != nil {
				if errors.Is(f.err, io.EOF) {
					s.logger.Info("input closed")
					break loop
				}
				if IsFrameError(f.err) {
					s.logger.Warn("dropping malformed message", zap.Error(f.err))
					continue
				}
				loopErr = fmt.Errorf("reading input: %w", f.err)
				break loop
			}
			if exit.raised() {
				break loop
			}
			if err := s.dispatchFrame(gctx, f.body, out, exit, sem, &tasks); err != nil {
				loopErr = err
				break loop
			}
		}
	}

	s.state.Store(int32(StateDraining))
	close(stop)
	s.logger.Debug("draining", zap.Int("in_flight", s.leases.inFlight()))
	tasks.Wait()
	out.close()
	if err := g.Wait(); err != nil && loopErr == nil {
		loopErr = err
	}
	s.state.Store(int32(StateStopped))
	s.logger.Info("bsp server stopped", zap.String("session_id", s.sessionID))
	return loopErr
}

// dispatchFrame decodes one message and starts its handler goroutine.
func (s *Server) dispatchFrame(ctx context.Context, body []byte, out *sequencer, exit *exitSignal, sem *semaphore.Weighted, tasks *sync.WaitGroup) error {
	req, err := DecodeRequest(body)
	if err != nil {
		s.logger.Warn("dropping undecodable message", zap.Error(err))
		return nil
	}

	// The lease exists before the handler starts so a $/cancelRequest read
	// right after this message always finds it.
	var l *lease
	taskCtx := ctx
	if !req.Notif {
		l, taskCtx = s.leases.register(ctx, req.ID)
	}

	// Control methods bypass admission so a saturated server still
	// processes $/cancelRequest and exit.
	if kind, ok := s.table.Kind(req.Method); ok && kind == KindControl {
		sem = nil
	}

	tasks.Add(1)
	go func() {
		defer tasks.Done()
		if sem != nil {
			// Waiting happens off the read loop. A request cancelled while
			// it waits never runs; the cancel already claimed its lease.
			if err := sem.Acquire(taskCtx, 1); err != nil {
				if l != nil {
					s.leases.release(l)
				}
				s.logger.Debug("request abandoned before admission",
					zap.String("method", req.Method), zap.Error(err))
				return
			}
			defer sem.Release(1)
		}
		s.handle(taskCtx, ctx, req, l, out, exit)
	}()
	return nil
}

// handle runs one message through its handler and emits the result.
// loopCtx outlives a cancelled request and is used for the output queue.
func (s *Server) handle(ctx, loopCtx context.Context, req *Inbound, l *lease, out *sequencer, exit *exitSignal) {
	if l != nil {
		defer s.leases.release(l)
	}

	var reqID *ID
	kind := DispatchKindNotification
	if !req.Notif {
		id := req.ID
		reqID = &id
		kind = DispatchKindRequest
	}

	call := &CallContext{
		Ctx:       ctx,
		RequestID: reqID,
		SessionID: s.sessionID,
		Method:    req.Method,
		LogLevel:  s.clientLogLevel,
		cancel: func(id ID) bool {
			return s.cancelRequest(loopCtx, id, out)
		},
	}

	info := DispatchInfo{
		Method:     req.Method,
		Kind:       kind,
		MethodKind: "unknown",
		SessionID:  s.sessionID,
	}
	if reqID != nil {
		info.RequestID = reqID.String()
	}
	if k, ok := s.table.Kind(req.Method); ok {
		info.MethodKind = k.String()
	}
	stats := &CallStatistics{}
	if req.Params != nil {
		stats.ParamsBytes = int64(len(*req.Params))
	}

	ctx, token, hookActive := s.hookStart(ctx, info)
	call.Ctx = ctx

	outcome, handlerErr := s.invoke(ctx, call, req)

	if outcome.Control == Terminate {
		exit.raise()
		s.logger.Info("exit requested", zap.String("method", req.Method))
	}

	if s.responseDelay > 0 {
		timer := time.NewTimer(s.responseDelay)
		select {
		case <-timer.C:
		case <-loopCtx.Done():
			timer.Stop()
		}
	}

	msgs := s.outboundFor(req, reqID, call.drainLogs(), outcome, handlerErr, stats)

	// Responses are only sent if cancellation has not claimed the request.
	if l != nil && !l.claim() {
		stats.Cancelled = true
		s.logger.Debug("suppressing response for cancelled request",
			zap.String("method", req.Method), zap.String("id", info.RequestID))
		msgs = nil
	}

	for _, msg := range msgs {
		if err := out.enqueue(loopCtx, msg); err != nil {
			s.logger.Warn("dropping outbound message", zap.String("method", req.Method), zap.Error(err))
			break
		}
	}

	if hookActive {
		s.hookEnd(ctx, token, info, stats, handlerErr)
	}
}

// invoke looks up and runs the handler, turning panics into internal errors.
func (s *Server) invoke(ctx context.Context, call *CallContext, req *Inbound) (outcome Outcome, err error) {
	info, ok := s.table.lookup(req.Method)
	if !ok {
		return Outcome{}, errUnknownMethod(req.Method, s.table.Methods())
	}
	defer func() {
		if rv := recover(); rv != nil {
			s.logger.Error("handler panic", zap.String("method", req.Method), zap.Any("panic", rv), zap.Stack("stack"))
			outcome = Outcome{}
			err = NewError(CodeInternalError, "internal error in %s: %v", req.Method, rv)
		}
	}()
	return info.Handler(ctx, call, req.Params)
}

// outboundFor builds the messages a handler's outcome produces: queued
// client logs first, then the response if one is due.
func (s *Server) outboundFor(req *Inbound, reqID *ID, logs []LogMessage, outcome Outcome, handlerErr error, stats *CallStatistics) []*outbound {
	msgs := make([]*outbound, 0, len(logs)+1)
	originID := ""
	if reqID != nil {
		originID = reqID.String()
	}
	for _, lm := range logs {
		msgs = append(msgs, &outbound{
			JSONRPC: JSONRPCVersion,
			Method:  MethodLogMessage,
			Params:  logMessageParams{Type: lm.Level, OriginID: originID, Message: lm.Message},
		})
	}
	stats.RecordLogs(len(logs))

	if reqID != nil {
		if handlerErr != nil {
			s.logger.Debug("request failed", zap.String("method", req.Method), zap.Error(handlerErr))
			return append(msgs, &outbound{JSONRPC: JSONRPCVersion, ID: reqID, Error: wireError(handlerErr, s.debugErrors)})
		}
		return append(msgs, &outbound{JSONRPC: JSONRPCVersion, ID: reqID, Result: outcome.Result})
	}

	// Notifications never get an error response.
	if handlerErr != nil {
		s.logger.Warn("notification handler failed", zap.String("method", req.Method), zap.Error(handlerErr))
		return msgs
	}
	if !isEmptyResult(outcome.Result) {
		msgs = append(msgs, &outbound{JSONRPC: JSONRPCVersion, Result: outcome.Result})
	}
	return msgs
}

// cancelRequest cancels the request with id if it is still in flight.
func (s *Server) cancelRequest(ctx context.Context, id ID, out *sequencer) bool {
	if !s.leases.cancel(id) {
		s.logger.Debug("cancel for unknown or finished request", zap.String("id", id.String()))
		return false
	}
	s.logger.Debug("request cancelled", zap.String("id", id.String()))
	if s.replyOnCancel {
		target := id
		err := out.enqueue(ctx, &outbound{
			JSONRPC: JSONRPCVersion,
			ID:      &target,
			Error:   &jsonrpc2.Error{Code: CodeRequestCancelled, Message: "request cancelled"},
		})
		if err != nil {
			s.logger.Warn("dropping cancellation response", zap.Error(err))
		}
	}
	return true
}

func (s *Server) hookStart(ctx context.Context, info DispatchInfo) (context.Context, HookToken, bool) {
	if s.dispatchHook == nil {
		return ctx, nil, false
	}
	var token HookToken
	active := false
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				s.logger.Error("dispatch hook start panic", zap.Any("panic", rv))
			}
		}()
		hookCtx, tok := s.dispatchHook.OnDispatchStart(ctx, info)
		if hookCtx != nil {
			ctx = hookCtx
		}
		token = tok
		active = true
	}()
	return ctx, token, active
}

func (s *Server) hookEnd(ctx context.Context, token HookToken, info DispatchInfo, stats *CallStatistics, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			s.logger.Error("dispatch hook end panic", zap.Any("panic", rv))
		}
	}()
	s.dispatchHook.OnDispatchEnd(ctx, token, info, stats, err)
}

// exitSignal is a one-shot latch. Once raised it stays raised.
type exitSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newExitSignal() *exitSignal {
	return &exitSignal{ch: make(chan struct{})}
}

func (e *exitSignal) raise() {
	e.once.Do(func() { close(e.ch) })
}

func (e *exitSignal) Done() <-chan struct{} { return e.ch }

func (e *exitSignal) raised() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}
