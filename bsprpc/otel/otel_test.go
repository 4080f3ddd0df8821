// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bspotel

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/Query-farm/bspd/bsprpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestHook(t *testing.T) (bsprpc.DispatchHook, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	cfg := DefaultConfig()
	cfg.TracerProvider = tp
	cfg.MeterProvider = mp
	cfg.CustomAttributes = []attribute.KeyValue{attribute.String("deployment", "test")}
	return NewHook(cfg), recorder, reader
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestHookRecordsSuccessfulSpan(t *testing.T) {
	hook, recorder, reader := newTestHook(t)
	info := bsprpc.DispatchInfo{
		Method:     "buildTarget/compile",
		Kind:       bsprpc.DispatchKindRequest,
		MethodKind: "delegated",
		SessionID:  "s-1",
		RequestID:  "42",
	}

	ctx, token := hook.OnDispatchStart(context.Background(), info)
	hook.OnDispatchEnd(ctx, token, info, &bsprpc.CallStatistics{ParamsBytes: 17, LogMessages: 2}, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "bsp/buildTarget/compile", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	attrs := attrMap(span.Attributes())
	assert.Equal(t, "bsp", attrs["rpc.system"].AsString())
	assert.Equal(t, "bspd", attrs["rpc.service"].AsString())
	assert.Equal(t, "42", attrs["rpc.jsonrpc.request_id"].AsString())
	assert.Equal(t, "s-1", attrs["rpc.bsp.session_id"].AsString())
	assert.Equal(t, "test", attrs["deployment"].AsString())
	assert.Equal(t, int64(17), attrs["rpc.bsp.params_bytes"].AsInt64())
	assert.Equal(t, int64(2), attrs["rpc.bsp.log_messages"].AsInt64())
	assert.False(t, attrs["rpc.bsp.cancelled"].AsBool())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	names := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = m
	}
	require.Contains(t, names, "rpc.server.requests")
	require.Contains(t, names, "rpc.server.duration")

	sum, ok := names["rpc.server.requests"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
	status, _ := sum.DataPoints[0].Attributes.Value("status")
	assert.Equal(t, "ok", status.AsString())
}

func TestHookRecordsErrors(t *testing.T) {
	hook, recorder, _ := newTestHook(t)
	info := bsprpc.DispatchInfo{Method: "foo/bar", Kind: bsprpc.DispatchKindRequest, MethodKind: "unknown"}

	ctx, token := hook.OnDispatchStart(context.Background(), info)
	err := bsprpc.NewError(bsprpc.CodeMethodNotFound, "Unknown method: 'foo/bar'")
	hook.OnDispatchEnd(ctx, token, info, &bsprpc.CallStatistics{}, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, bsprpc.CodeMethodNotFound, attrs["rpc.jsonrpc.error_code"].AsInt64())
	assert.Equal(t, "*bsprpc.RpcError", attrs["rpc.bsp.error_type"].AsString())
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestHookMarksCancelled(t *testing.T) {
	hook, recorder, reader := newTestHook(t)
	info := bsprpc.DispatchInfo{Method: "buildTarget/compile", Kind: bsprpc.DispatchKindRequest}

	ctx, token := hook.OnDispatchStart(context.Background(), info)
	hook.OnDispatchEnd(ctx, token, info, &bsprpc.CallStatistics{Cancelled: true}, nil)

	attrs := attrMap(recorder.Ended()[0].Attributes())
	assert.True(t, attrs["rpc.bsp.cancelled"].AsBool())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
			status, _ := sum.DataPoints[0].Attributes.Value("status")
			assert.Equal(t, "cancelled", status.AsString())
		}
	}
}

func TestHookWithTracingDisabled(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	hook := NewHook(OtelConfig{TracerProvider: tp, EnableMetrics: false})

	info := bsprpc.DispatchInfo{Method: "build/initialize"}
	ctx, token := hook.OnDispatchStart(context.Background(), info)
	hook.OnDispatchEnd(ctx, token, info, nil, errors.New("x"))
	assert.Empty(t, recorder.Ended())

	// Unknown tokens are ignored.
	hook.OnDispatchEnd(ctx, "not-a-token", info, nil, nil)
}

func TestInstrumentServerInstallsHook(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	cfg := DefaultConfig()
	cfg.TracerProvider = tp
	cfg.EnableMetrics = false

	table := bsprpc.NewTable()
	bsprpc.Stub(table, "buildTarget/javacOptions", map[string]any{"items": []any{}})
	server := bsprpc.NewServer(table)
	server.SetResponseDelay(0)
	InstrumentServer(server, cfg)

	var in, out bytes.Buffer
	in.Write(bsprpc.Frame([]byte(`{"jsonrpc":"2.0","id":1,"method":"buildTarget/javacOptions"}`)))
	require.NoError(t, server.Serve(context.Background(), &in, &out))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "bsp/buildTarget/javacOptions", spans[0].Name())
	assert.Equal(t, "stub", attrMap(spans[0].Attributes())["rpc.bsp.method_kind"].AsString())
}
