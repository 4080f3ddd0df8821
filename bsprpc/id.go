// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request id. It is opaque: a string or any JSON number,
// kept as the client sent it and written back unchanged. IDs are comparable
// and usable as map keys; numeric 1 and string "1" are different ids.
type ID struct {
	// raw is the compact JSON text: a number literal or a quoted string.
	raw string
}

// NumberID returns the numeric id n.
func NumberID(n int64) ID {
	return ID{raw: strconv.FormatInt(n, 10)}
}

// StringID returns the string id s.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: string(b)}
}

// ParseID parses the JSON text of an id. Only strings and numbers are ids.
func ParseID(data []byte) (ID, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ID{}, errors.New("empty id")
	}
	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ID{}, fmt.Errorf("invalid string id: %w", err)
		}
		return StringID(s), nil
	case c == '-' || (c >= '0' && c <= '9'):
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil || dec.More() {
			return ID{}, fmt.Errorf("invalid numeric id %s", data)
		}
		return ID{raw: n.String()}, nil
	default:
		return ID{}, fmt.Errorf("id must be a string or a number, got %s", data)
	}
}

// IsZero reports whether id was never set.
func (id ID) IsZero() bool { return id.raw == "" }

// IsString reports whether id is a string id.
func (id ID) IsString() bool { return len(id.raw) > 0 && id.raw[0] == '"' }

// String renders a string id without quotes and a numeric id as its literal.
func (id ID) String() string {
	if id.IsString() {
		var s string
		if json.Unmarshal([]byte(id.raw), &s) == nil {
			return s
		}
	}
	return id.raw
}

// MarshalJSON writes the id exactly as it was received.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

// UnmarshalJSON accepts a string or number. null leaves id unchanged.
func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	parsed, err := ParseID(data)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
