// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsprpc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Compression selects how mirror files are written.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ParseCompression maps a configuration value to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(s))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown mirror compression %q", s)
	}
}

// Mirror copies the raw inbound and outbound byte streams into two
// append-only files for post-hoc debugging. Mirror write failures are logged
// once and never surface to the protocol stream.
type Mirror struct {
	dir string
	in  *mirrorSink
	out *mirrorSink
}

// OpenMirror creates (or appends to) the inbound and outbound mirror files
// in dir.
func OpenMirror(dir string, compression Compression, logger *zap.Logger) (*Mirror, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	in, err := openMirrorSink(filepath.Join(dir, "in.log"), compression, logger)
	if err != nil {
		return nil, err
	}
	out, err := openMirrorSink(filepath.Join(dir, "out.log"), compression, logger)
	if err != nil {
		return nil, multierr.Append(err, in.close())
	}
	return &Mirror{dir: dir, in: in, out: out}, nil
}

// Dir returns the directory holding the mirror files.
func (m *Mirror) Dir() string {
	if m == nil {
		return ""
	}
	return m.dir
}

// InboundPath returns the path of the inbound mirror file.
func (m *Mirror) InboundPath() string { return m.in.path }

// OutboundPath returns the path of the outbound mirror file.
func (m *Mirror) OutboundPath() string { return m.out.path }

// WrapReader returns a reader that mirrors everything read from r.
func (m *Mirror) WrapReader(r io.Reader) io.Reader {
	if m == nil {
		return r
	}
	return io.TeeReader(r, m.in)
}

// WrapWriter returns a writer that mirrors everything successfully written to w.
func (m *Mirror) WrapWriter(w io.Writer) io.Writer {
	if m == nil {
		return w
	}
	return &teeWriter{w: w, mirror: m.out}
}

// Close flushes and closes both mirror files.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return multierr.Combine(m.in.close(), m.out.close())
}

type teeWriter struct {
	w      io.Writer
	mirror io.Writer
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		_, _ = t.mirror.Write(p[:n])
	}
	return n, err
}

// mirrorSink is one append-only mirror file. Its Write never fails; after the
// first failure the sink disables itself.
type mirrorSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	zw     *zstd.Encoder
	failed bool
	logger *zap.Logger
}

func openMirrorSink(path string, compression Compression, logger *zap.Logger) (*mirrorSink, error) {
	if compression == CompressionZstd {
		path += ".zst"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening mirror file: %w", err)
	}
	s := &mirrorSink{path: path, file: f, logger: logger}
	if compression == CompressionZstd {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("creating zstd encoder: %w", err), f.Close())
		}
		s.zw = zw
	}
	return s, nil
}

func (s *mirrorSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed || len(p) == 0 {
		return len(p), nil
	}

	var err error
	if s.zw != nil {
		if _, err = s.zw.Write(p); err == nil {
			// Flush per write so the file is readable while the server runs.
			err = s.zw.Flush()
		}
	} else {
		_, err = s.file.Write(p)
	}
	if err != nil {
		s.failed = true
		s.logger.Warn("mirror write failed, disabling mirror", zap.String("path", s.path), zap.Error(err))
	}
	return len(p), nil
}

func (s *mirrorSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.zw != nil {
		err = s.zw.Close()
	}
	return multierr.Append(err, s.file.Close())
}
