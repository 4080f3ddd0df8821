// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FrameError reports a single malformed message. The stream it came from is
// still usable and the next call to [Decoder.Next] reads the following message.
type FrameError struct {
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "malformed frame: " + e.Reason
}

func (e *FrameError) Unwrap() error { return e.Err }

// IsFrameError reports whether err is a per-message decode failure rather
// than a transport failure.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

// Decoder splits a byte stream into Content-Length framed JSON bodies.
type Decoder struct {
	r            *bufio.Reader
	maxFrameSize int64
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:            bufio.NewReader(r),
		maxFrameSize: DefaultMaxFrameSize,
	}
}

// SetMaxFrameSize bounds the accepted Content-Length. Larger bodies are
// skipped and reported as a *FrameError.
func (d *Decoder) SetMaxFrameSize(n int64) {
	d.maxFrameSize = n
}

// Next reads the next framed message and returns its body. It returns io.EOF
// when the stream ends cleanly between messages, a *FrameError when one
// message is malformed, and any other error when the transport fails.
func (d *Decoder) Next() ([]byte, error) {
	length := int64(-1)
	var headerErr *FrameError
	sawHeader := false

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && !sawHeader && strings.TrimSpace(line) == "" {
				return nil, io.EOF
			}
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				// Stray blank line between messages.
				continue
			}
			break
		}
		sawHeader = true

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			headerErr = &FrameError{Reason: fmt.Sprintf("header line %q has no colon", line)}
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(key), HeaderContentLength) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			headerErr = &FrameError{Reason: "invalid Content-Length", Err: err}
			continue
		}
		length = n
	}

	if length < 0 {
		if headerErr != nil {
			return nil, headerErr
		}
		return nil, &FrameError{Reason: "missing Content-Length header"}
	}
	if d.maxFrameSize > 0 && length > d.maxFrameSize {
		if _, err := io.CopyN(io.Discard, d.r, length); err != nil {
			return nil, fmt.Errorf("skipping oversized body: %w", unexpectedEOF(err))
		}
		return nil, &FrameError{Reason: fmt.Sprintf("Content-Length %d exceeds limit %d", length, d.maxFrameSize)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("reading body: %w", unexpectedEOF(err))
	}
	if headerErr != nil {
		return nil, headerErr
	}
	if !json.Valid(body) {
		return nil, &FrameError{Reason: "body is not valid JSON"}
	}
	return body, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Inbound is an inbound request or notification.
type Inbound struct {
	Method string
	// Params is nil when the message has no params member or params is null.
	Params *json.RawMessage
	// ID is the request id; zero for notifications.
	ID    ID
	Notif bool
}

// DecodeRequest parses a framed body as a request or notification. A
// missing or null id makes a notification.
func DecodeRequest(body []byte) (*Inbound, error) {
	var msg struct {
		Method string           `json:"method"`
		Params *json.RawMessage `json:"params"`
		ID     json.RawMessage  `json:"id"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &FrameError{Reason: "not a JSON-RPC request", Err: err}
	}
	if msg.Method == "" {
		return nil, &FrameError{Reason: "empty method"}
	}
	req := &Inbound{Method: msg.Method, Params: msg.Params}
	if len(msg.ID) == 0 || bytes.Equal(msg.ID, []byte("null")) {
		req.Notif = true
		return req, nil
	}
	id, err := ParseID(msg.ID)
	if err != nil {
		return nil, &FrameError{Reason: "invalid id", Err: err}
	}
	req.ID = id
	return req, nil
}

// Marshal serializes v to compact JSON with every null-valued object member
// removed at any depth. Array elements are kept as they are.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stripNulls(tree)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// stripNulls removes null-valued members from every object in the tree.
func stripNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if child == nil {
				delete(t, k)
				continue
			}
			t[k] = stripNulls(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = stripNulls(child)
		}
		return t
	default:
		return v
	}
}

// Encode marshals v with [Marshal] and frames it. The Content-Length header
// counts bytes of the UTF-8 body, not characters.
func Encode(v any) ([]byte, error) {
	body, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return Frame(body), nil
}

// Frame prefixes body with its Content-Length header.
func Frame(body []byte) []byte {
	header := fmt.Sprintf("%s: %d\r\n\r\n", HeaderContentLength, len(body))
	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header...)
	return append(out, body...)
}
