// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"
)

var errSequencerClosed = errors.New("output sequencer closed")

// outbound is a server-to-client message: a response (ID set, Result or
// Error) or a notification (Method and Params).
type outbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpc2.Error `json:"error,omitempty"`
}

func (m *outbound) isResponse() bool {
	return m.Method == ""
}

// sequencer serializes outbound messages from many goroutines onto one
// writer. Each message is framed and written with a single Write call by the
// goroutine running run, so frames never interleave.
type sequencer struct {
	queue  chan *outbound
	done   chan struct{}
	w      io.Writer
	logger *zap.Logger
}

func newSequencer(w io.Writer, size int, logger *zap.Logger) *sequencer {
	if size <= 0 {
		size = DefaultOutboundQueue
	}
	return &sequencer{
		queue:  make(chan *outbound, size),
		done:   make(chan struct{}),
		w:      w,
		logger: logger,
	}
}

// enqueue hands msg to the writer, blocking while the queue is full.
func (s *sequencer) enqueue(ctx context.Context, msg *outbound) error {
	select {
	case <-s.done:
		return errSequencerClosed
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	case <-s.done:
		return errSequencerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run writes queued messages until the queue is closed or a write fails.
func (s *sequencer) run() error {
	defer close(s.done)
	for msg := range s.queue {
		frame, err := Encode(msg)
		if err != nil {
			if !msg.isResponse() {
				s.logger.Error("dropping unencodable notification", zap.String("method", msg.Method), zap.Error(err))
				continue
			}
			// The id must still get an answer.
			s.logger.Error("response encoding failed", zap.Error(err))
			frame, err = Encode(&outbound{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Error:   &jsonrpc2.Error{Code: CodeInternalError, Message: fmt.Sprintf("encoding result: %v", err)},
			})
			if err != nil {
				return fmt.Errorf("encoding error response: %w", err)
			}
		}
		if _, err := s.w.Write(frame); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
	}
	return nil
}

// close stops accepting messages. run returns after the queue drains.
func (s *sequencer) close() {
	close(s.queue)
}
