// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/Query-farm/bspd/bsprpc"

	"golang.org/x/sync/errgroup"
)

// Driver runs an in-process server behind a pair of pipes and correlates
// responses to requests by id.
type Driver struct {
	in   *io.PipeWriter
	out  *bsprpc.Decoder
	done chan error

	mu      sync.Mutex
	nextID  int64
	pending map[string]chan json.RawMessage
	readErr error
	readers sync.WaitGroup
}

// NewDriver starts server and a reader that routes responses. Call Close
// when done.
func NewDriver(ctx context.Context, server *bsprpc.Server) *Driver {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	d := &Driver{
		in:      inW,
		out:     bsprpc.NewDecoder(outR),
		done:    make(chan error, 1),
		pending: make(map[string]chan json.RawMessage),
	}
	go func() {
		err := server.Serve(ctx, inR, outW)
		_ = outW.CloseWithError(io.EOF)
		d.done <- err
	}()
	d.readers.Add(1)
	go d.read()
	return d
}

func (d *Driver) read() {
	defer d.readers.Done()
	for {
		body, err := d.out.Next()
		if err != nil {
			d.fail(err)
			return
		}
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if json.Unmarshal(body, &msg) != nil || msg.Method != "" || len(msg.ID) == 0 {
			continue
		}
		d.mu.Lock()
		ch := d.pending[string(msg.ID)]
		delete(d.pending, string(msg.ID))
		d.mu.Unlock()
		if ch != nil {
			ch <- body
		}
	}
}

// fail closes every pending call.
func (d *Driver) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
}

// Call sends one request and waits for its response body.
func (d *Driver) Call(method string, params any) (json.RawMessage, error) {
	d.mu.Lock()
	if d.readErr != nil {
		err := d.readErr
		d.mu.Unlock()
		return nil, err
	}
	d.nextID++
	n := d.nextID
	id := strconv.FormatInt(n, 10)
	ch := make(chan json.RawMessage, 1)
	d.pending[id] = ch
	d.mu.Unlock()

	req := map[string]any{"jsonrpc": bsprpc.JSONRPCVersion, "id": n, "method": method}
	if params != nil {
		req["params"] = params
	}
	frame, err := bsprpc.Encode(req)
	if err != nil {
		return nil, err
	}
	if _, err := d.in.Write(frame); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	body, ok := <-ch
	if !ok {
		return nil, fmt.Errorf("no response for %s %s", method, id)
	}
	return body, nil
}

// Fan issues n calls on at most workers goroutines and returns the first
// error.
func (d *Driver) Fan(n, workers int, method string, params any) error {
	var g errgroup.Group
	g.SetLimit(workers)
	for range n {
		g.Go(func() error {
			_, err := d.Call(method, params)
			return err
		})
	}
	return g.Wait()
}

// Close ends the session and waits for the server to stop.
func (d *Driver) Close() error {
	_ = d.in.Close()
	err := <-d.done
	d.readers.Wait()
	return err
}
