// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package config loads the bspd configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Query-farm/bspd/bsprpc"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration. Zero values in a file keep the
// defaults from Default.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
}

// LogConfig controls the operator log written to stderr and bspd.log.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DiagnosticsConfig controls the diagnostics directory and stream mirror.
type DiagnosticsConfig struct {
	// Dir is the parent of the per-process diagnostics directory. Empty
	// means the system temp dir.
	Dir         string `yaml:"dir"`
	Mirror      bool   `yaml:"mirror"`
	Compression string `yaml:"compression"`
}

// ServerConfig holds protocol loop settings.
type ServerConfig struct {
	ResponseDelay  time.Duration `yaml:"response_delay"`
	OutboundQueue  int           `yaml:"outbound_queue"`
	MaxInFlight    int64         `yaml:"max_in_flight"`
	MaxFrameSize   int64         `yaml:"max_frame_size"`
	ReplyOnCancel  bool          `yaml:"reply_on_cancel"`
	DebugErrors    bool          `yaml:"debug_errors"`
	ClientLogLevel string        `yaml:"client_log_level"`
}

// TelemetryConfig enables OpenTelemetry export into the diagnostics dir.
type TelemetryConfig struct {
	Traces  bool `yaml:"traces"`
	Metrics bool `yaml:"metrics"`
}

// WorkspaceConfig configures the build-query backend.
type WorkspaceConfig struct {
	// Manifest overrides <root>/.bspd.yaml.
	Manifest string `yaml:"manifest"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Diagnostics: DiagnosticsConfig{
			Mirror:      true,
			Compression: string(bsprpc.CompressionNone),
		},
		Server: ServerConfig{
			ResponseDelay:  bsprpc.DefaultResponseDelay,
			OutboundQueue:  bsprpc.DefaultOutboundQueue,
			MaxFrameSize:   bsprpc.DefaultMaxFrameSize,
			ClientLogLevel: "debug",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	if err := decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config: %w", err)
	}
	return cfg.Validate()
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if _, err := c.ZapLevel(); err != nil {
		return err
	}
	if _, err := bsprpc.ParseCompression(c.Diagnostics.Compression); err != nil {
		return fmt.Errorf("diagnostics.compression: %w", err)
	}
	if _, err := bsprpc.ParseLogLevel(c.Server.ClientLogLevel); err != nil {
		return fmt.Errorf("server.client_log_level: %w", err)
	}
	if c.Server.ResponseDelay < 0 {
		return errors.New("server.response_delay must not be negative")
	}
	if c.Server.OutboundQueue <= 0 {
		return errors.New("server.outbound_queue must be positive")
	}
	if c.Server.MaxInFlight < 0 {
		return errors.New("server.max_in_flight must not be negative")
	}
	if c.Server.MaxFrameSize <= 0 {
		return errors.New("server.max_frame_size must be positive")
	}
	return nil
}
