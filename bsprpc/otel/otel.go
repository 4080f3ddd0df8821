// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package bspotel provides OpenTelemetry instrumentation for bsprpc servers.
// It implements the [bsprpc.DispatchHook] interface to add tracing and
// metrics to every dispatched message.
//
// Usage:
//
//	server := bsprpc.NewServer(table)
//	bspotel.InstrumentServer(server, bspotel.DefaultConfig())
package bspotel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Query-farm/bspd/bsprpc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "bspd"

// OtelConfig configures OpenTelemetry instrumentation for a bsprpc server.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed dispatches.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to "bspd".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with tracing, metrics and exception
// recording enabled. Providers are resolved from the global OTel SDK at
// instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentServer attaches OpenTelemetry instrumentation to server through
// [bsprpc.Server.SetDispatchHook].
func InstrumentServer(server *bsprpc.Server, cfg OtelConfig) {
	server.SetDispatchHook(NewHook(cfg))
}

// NewHook builds the dispatch hook without installing it.
func NewHook(cfg OtelConfig) bsprpc.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bspd"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of BSP messages dispatched"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Time from dispatch to response"),
		)
	}
	return hook
}

type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart starts a server span for the message.
func (h *otelHook) OnDispatchStart(ctx context.Context, info bsprpc.DispatchInfo) (context.Context, bsprpc.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "bsp"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.String("rpc.bsp.kind", info.Kind),
		attribute.String("rpc.bsp.method_kind", info.MethodKind),
		attribute.String("rpc.bsp.session_id", info.SessionID),
	}
	if info.RequestID != "" {
		attrs = append(attrs, attribute.String("rpc.jsonrpc.request_id", info.RequestID))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, "bsp/"+info.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnDispatchEnd records metrics and ends the span.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token bsprpc.HookToken, info bsprpc.DispatchInfo, stats *bsprpc.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	duration := time.Since(st.startTime)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case stats != nil && stats.Cancelled:
		status = "cancelled"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "bsp"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("rpc.bsp.kind", info.Kind),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("rpc.bsp.params_bytes", stats.ParamsBytes),
			attribute.Int64("rpc.bsp.log_messages", stats.LogMessages),
			attribute.Bool("rpc.bsp.cancelled", stats.Cancelled),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		errType := fmt.Sprintf("%T", err)
		var rpcErr *bsprpc.RpcError
		if errors.As(err, &rpcErr) {
			st.span.SetAttributes(attribute.Int64("rpc.jsonrpc.error_code", rpcErr.Code))
		}
		st.span.SetAttributes(attribute.String("rpc.bsp.error_type", errType))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
