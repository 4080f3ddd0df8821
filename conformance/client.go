// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/Query-farm/bspd/bsprpc"
)

// Message is one message read back from the server.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`

	// Raw is the undecoded frame body.
	Raw []byte `json:"-"`
}

// ResponseError is the error member of a response.
type ResponseError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsResponse reports whether m answers a request.
func (m *Message) IsResponse() bool { return m.Method == "" && len(m.ID) > 0 }

// IDString returns the id as sent, without quotes for string ids.
func (m *Message) IDString() string {
	var s string
	if json.Unmarshal(m.ID, &s) == nil {
		return s
	}
	return string(m.ID)
}

// Client writes framed requests and reads framed messages. Writes are
// serialized; Next must be called from a single goroutine.
type Client struct {
	mu  sync.Mutex
	w   io.Writer
	dec *bsprpc.Decoder
}

// NewClient reads server output from r and writes to the server's input w.
func NewClient(r io.Reader, w io.Writer) *Client {
	return &Client{w: w, dec: bsprpc.NewDecoder(r)}
}

// SendRaw frames and writes body as is.
func (c *Client) SendRaw(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.w.Write(bsprpc.Frame(body))
	return err
}

// Request sends a request. A nil params omits the member.
func (c *Client) Request(id any, method string, params any) error {
	msg := map[string]any{"jsonrpc": bsprpc.JSONRPCVersion, "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	return c.send(msg)
}

// Notify sends a notification.
func (c *Client) Notify(method string, params any) error {
	msg := map[string]any{"jsonrpc": bsprpc.JSONRPCVersion, "method": method}
	if params != nil {
		msg["params"] = params
	}
	return c.send(msg)
}

// Cancel sends $/cancelRequest for id.
func (c *Client) Cancel(id any) error {
	return c.Notify(bsprpc.MethodCancelRequest, map[string]any{"id": id})
}

func (c *Client) send(msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %v: %w", msg["method"], err)
	}
	return c.SendRaw(body)
}

// Next reads the next message.
func (c *Client) Next() (*Message, error) {
	body, err := c.dec.Next()
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	m.Raw = body
	return &m, nil
}
