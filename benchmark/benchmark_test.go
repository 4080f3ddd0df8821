// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Query-farm/bspd/bsprpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer() *bsprpc.Server {
	table := bsprpc.NewTable()
	RegisterMethods(table)
	server := bsprpc.NewServer(table)
	server.SetResponseDelay(0)
	server.SetOutboundQueueSize(256)
	return server
}

func TestDriverRoundTrip(t *testing.T) {
	d := NewDriver(context.Background(), newServer())

	body, err := d.Call("bench/echo", EchoParams{Targets: []string{"a", "b"}})
	require.NoError(t, err)
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.JSONEq(t, `{"targets":["a","b"]}`, string(resp.Result))

	require.NoError(t, d.Fan(100, 8, "bench/sleep", SleepParams{Micros: 50}))
	require.NoError(t, d.Close())

	_, err = d.Call("bench/noop", nil)
	assert.Error(t, err)
}

func BenchmarkNoop(b *testing.B) {
	d := NewDriver(context.Background(), newServer())
	b.ReportAllocs()
	for b.Loop() {
		if _, err := d.Call("bench/noop", nil); err != nil {
			b.Fatal(err)
		}
	}
	_ = d.Close()
}

func BenchmarkEcho(b *testing.B) {
	note := "carried through null stripping"
	params := EchoParams{
		Targets: []string{"file:///ws?id=core", "file:///ws?id=app"},
		Options: map[string]string{"mode": "full"},
		Note:    &note,
	}
	d := NewDriver(context.Background(), newServer())
	b.ReportAllocs()
	for b.Loop() {
		if _, err := d.Call("bench/echo", params); err != nil {
			b.Fatal(err)
		}
	}
	_ = d.Close()
}

func BenchmarkConcurrentSleep(b *testing.B) {
	d := NewDriver(context.Background(), newServer())
	for b.Loop() {
		if err := d.Fan(64, 64, "bench/sleep", SleepParams{Micros: 100}); err != nil {
			b.Fatal(err)
		}
	}
	_ = d.Close()
}
