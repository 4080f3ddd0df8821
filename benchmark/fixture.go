// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package benchmark

import (
	"context"
	"time"

	"github.com/Query-farm/bspd/bsprpc"
)

// Parameter structs

type EchoParams struct {
	Targets []string          `json:"targets"`
	Options map[string]string `json:"options,omitempty"`
	Note    *string           `json:"note"`
}

type SleepParams struct {
	Micros int64 `json:"micros"`
}

// RegisterMethods registers the benchmark fixture methods on table.
func RegisterMethods(table *bsprpc.Table) {
	bsprpc.RequestNoParams(table, "bench/noop", bsprpc.KindStub, noop)
	bsprpc.Request(table, "bench/echo", bsprpc.KindDelegated, echo)
	bsprpc.Request(table, "bench/sleep", bsprpc.KindDelegated, sleep)
	bsprpc.HandleExit(table, "build/exit")
	bsprpc.HandleCancelRequest(table)
}

// Handler implementations

func noop(context.Context, *bsprpc.CallContext) (struct{}, error) {
	return struct{}{}, nil
}

func echo(_ context.Context, _ *bsprpc.CallContext, p EchoParams) (EchoParams, error) {
	return p, nil
}

func sleep(ctx context.Context, _ *bsprpc.CallContext, p SleepParams) (SleepParams, error) {
	timer := time.NewTimer(time.Duration(p.Micros) * time.Microsecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return p, nil
	case <-ctx.Done():
		return SleepParams{}, ctx.Err()
	}
}
