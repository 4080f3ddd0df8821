// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Query-farm/bspd/internal/config"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

// telemetry owns the SDK providers and the JSON-lines files they export to.
type telemetry struct {
	tp    *sdktrace.TracerProvider
	mp    *sdkmetric.MeterProvider
	files []*os.File
}

func startTelemetry(dir string, cfg config.TelemetryConfig) (*telemetry, error) {
	res := resource.NewSchemaless(attribute.String("service.name", "bspd"))
	t := &telemetry{}

	if cfg.Traces {
		f, err := t.create(filepath.Join(dir, "traces.jsonl"))
		if err != nil {
			return nil, err
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("trace exporter: %w", err), t.closeFiles())
		}
		t.tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
	}

	if cfg.Metrics {
		f, err := t.create(filepath.Join(dir, "metrics.jsonl"))
		if err != nil {
			return nil, multierr.Append(err, t.shutdown(context.Background()))
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(f))
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("metric exporter: %w", err), t.shutdown(context.Background()))
		}
		t.mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
			sdkmetric.WithResource(res),
		)
	}
	return t, nil
}

func (t *telemetry) create(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filepath.Base(path), err)
	}
	t.files = append(t.files, f)
	return f, nil
}

func (t *telemetry) tracerProvider() trace.TracerProvider {
	if t.tp == nil {
		return tracenoop.NewTracerProvider()
	}
	return t.tp
}

func (t *telemetry) meterProvider() metric.MeterProvider {
	if t.mp == nil {
		return metricnoop.NewMeterProvider()
	}
	return t.mp
}

// shutdown flushes both providers before closing their files.
func (t *telemetry) shutdown(ctx context.Context) error {
	var err error
	if t.tp != nil {
		err = multierr.Append(err, t.tp.Shutdown(ctx))
	}
	if t.mp != nil {
		err = multierr.Append(err, t.mp.Shutdown(ctx))
	}
	return multierr.Append(err, t.closeFiles())
}

func (t *telemetry) closeFiles() error {
	var err error
	for _, f := range t.files {
		err = multierr.Append(err, f.Close())
	}
	t.files = nil
	return err
}
