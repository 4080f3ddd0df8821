// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package workspace answers BSP build queries from a YAML manifest that
// lists the targets of a workspace.
package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Query-farm/bspd/bsp"
	"github.com/Query-farm/bspd/bsprpc"

	"go.uber.org/zap"
)

var errNotInitialized = bsprpc.NewError(bsprpc.CodeServerNotInitialized, "build not initialized")

// Session is the process-wide build state: the build root, its manifest and
// whether build/initialize has completed. Safe for concurrent use.
type Session struct {
	name         string
	version      string
	manifestPath string
	logger       *zap.Logger

	mu          sync.RWMutex
	root        string
	manifest    *Manifest
	initialized bool
}

// Option configures a Session.
type Option func(*Session)

// WithManifestPath reads the manifest from path instead of
// <root>/.bspd.yaml. Relative paths are resolved against the build root.
func WithManifestPath(path string) Option {
	return func(s *Session) { s.manifestPath = path }
}

// WithLogger sets the operator log.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithServerInfo sets the name and version reported by build/initialize.
func WithServerInfo(name, version string) Option {
	return func(s *Session) {
		s.name = name
		s.version = version
	}
}

// NewSession creates an uninitialized session.
func NewSession(opts ...Option) *Session {
	s := &Session{
		name:    "bspd",
		version: "dev",
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ bsp.BuildQuery = (*Session)(nil)

// Root returns the build root, empty before initialize.
func (s *Session) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// Initialize loads the manifest of the build root named by params.RootURI.
func (s *Session) Initialize(_ context.Context, params bsp.InitializeBuildParams) (bsp.InitializeBuildResult, error) {
	root, err := pathFromURI(params.RootURI)
	if err != nil {
		return bsp.InitializeBuildResult{}, bsprpc.NewError(bsprpc.CodeInvalidParams, "invalid rootUri: %v", err)
	}
	manifest, err := LoadManifest(s.resolveManifest(root))
	if err != nil {
		return bsp.InitializeBuildResult{}, err
	}

	s.mu.Lock()
	s.root = root
	s.manifest = manifest
	s.initialized = true
	s.mu.Unlock()

	s.logger.Info("workspace initialized",
		zap.String("root", root),
		zap.String("client", params.DisplayName),
		zap.Int("targets", len(manifest.Targets)))

	langs := manifest.languages()
	return bsp.InitializeBuildResult{
		DisplayName: s.name,
		Version:     s.version,
		BSPVersion:  bsp.ProtocolVersion,
		Capabilities: bsp.BuildServerCapabilities{
			CompileProvider:           &bsp.LanguageProvider{LanguageIDs: langs},
			DependencySourcesProvider: true,
			ResourcesProvider:         true,
			CanReload:                 true,
		},
	}, nil
}

func (s *Session) resolveManifest(root string) string {
	switch {
	case s.manifestPath == "":
		return filepath.Join(root, DefaultManifestName)
	case filepath.IsAbs(s.manifestPath):
		return s.manifestPath
	default:
		return filepath.Join(root, s.manifestPath)
	}
}

// Reload re-reads the manifest. On failure the previous manifest stays.
func (s *Session) Reload(context.Context) error {
	root, _, err := s.snapshot()
	if err != nil {
		return err
	}
	manifest, err := LoadManifest(s.resolveManifest(root))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.manifest = manifest
	s.mu.Unlock()
	s.logger.Info("workspace reloaded", zap.Int("targets", len(manifest.Targets)))
	return nil
}

func (s *Session) snapshot() (string, *Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return "", nil, errNotInitialized
	}
	return s.root, s.manifest, nil
}

// BuildTargets lists every target of the manifest.
func (s *Session) BuildTargets(context.Context) (bsp.WorkspaceBuildTargetsResult, error) {
	root, m, err := s.snapshot()
	if err != nil {
		return bsp.WorkspaceBuildTargetsResult{}, err
	}
	targets := make([]bsp.BuildTarget, 0, len(m.Targets))
	for _, t := range m.Targets {
		deps := make([]bsp.BuildTargetIdentifier, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			deps = append(deps, targetID(root, d))
		}
		tags := t.Tags
		if len(tags) == 0 {
			tags = []string{bsp.TagLibrary}
		}
		bt := bsp.BuildTarget{
			ID:            targetID(root, t.Name),
			DisplayName:   t.Name,
			BaseDirectory: fileURI(resolve(root, t.BaseDirectory)),
			Tags:          tags,
			LanguageIDs:   m.languages(),
			Dependencies:  deps,
			Capabilities: bsp.BuildTargetCapabilities{
				CanCompile: len(t.compileCommand(m)) > 0,
				CanTest:    slices.Contains(tags, bsp.TagTest),
				CanRun:     slices.Contains(tags, bsp.TagApplication),
			},
		}
		if m.ScalaVersion != "" {
			bt.DataKind = "scala"
			bt.Data = bsp.ScalaBuildTarget{
				ScalaOrganization:  orDefault(m.ScalaOrg, "org.scala-lang"),
				ScalaVersion:       m.ScalaVersion,
				ScalaBinaryVersion: binaryVersion(m.ScalaVersion),
				Platform:           1,
				Jars:               fileURIs(root, m.ScalaJars),
			}
		}
		targets = append(targets, bt)
	}
	return bsp.WorkspaceBuildTargetsResult{Targets: targets}, nil
}

// Sources lists source files and directories per target.
func (s *Session) Sources(_ context.Context, params bsp.SourcesParams) (bsp.SourcesResult, error) {
	root, m, err := s.snapshot()
	if err != nil {
		return bsp.SourcesResult{}, err
	}
	items := make([]bsp.SourcesItem, 0, len(params.Targets))
	for _, id := range params.Targets {
		t, err := lookupTarget(root, m, id)
		if err != nil {
			return bsp.SourcesResult{}, err
		}
		sources := make([]bsp.SourceItem, 0, len(t.Sources)+len(t.GeneratedSources))
		for _, p := range t.Sources {
			sources = append(sources, sourceItem(resolve(root, p), false))
		}
		for _, p := range t.GeneratedSources {
			sources = append(sources, sourceItem(resolve(root, p), true))
		}
		items = append(items, bsp.SourcesItem{Target: id, Sources: sources})
	}
	return bsp.SourcesResult{Items: items}, nil
}

// DependencySources lists source jars of each target's dependencies.
func (s *Session) DependencySources(_ context.Context, params bsp.DependencySourcesParams) (bsp.DependencySourcesResult, error) {
	root, m, err := s.snapshot()
	if err != nil {
		return bsp.DependencySourcesResult{}, err
	}
	items := make([]bsp.DependencySourcesItem, 0, len(params.Targets))
	for _, id := range params.Targets {
		t, err := lookupTarget(root, m, id)
		if err != nil {
			return bsp.DependencySourcesResult{}, err
		}
		items = append(items, bsp.DependencySourcesItem{Target: id, Sources: fileURIs(root, t.DependencySources)})
	}
	return bsp.DependencySourcesResult{Items: items}, nil
}

// ScalacOptions returns compiler options and classpath per target.
func (s *Session) ScalacOptions(_ context.Context, params bsp.ScalacOptionsParams) (bsp.ScalacOptionsResult, error) {
	root, m, err := s.snapshot()
	if err != nil {
		return bsp.ScalacOptionsResult{}, err
	}
	items := make([]bsp.ScalacOptionsItem, 0, len(params.Targets))
	for _, id := range params.Targets {
		t, err := lookupTarget(root, m, id)
		if err != nil {
			return bsp.ScalacOptionsResult{}, err
		}
		classDir := t.ClassDirectory
		if classDir == "" {
			classDir = filepath.Join(".bspd", "out", t.Name, "classes")
		}
		options := t.ScalacOptions
		if options == nil {
			options = []string{}
		}
		items = append(items, bsp.ScalacOptionsItem{
			Target:         id,
			Options:        options,
			Classpath:      fileURIs(root, t.Classpath),
			ClassDirectory: fileURI(resolve(root, classDir)),
		})
	}
	return bsp.ScalacOptionsResult{Items: items}, nil
}

// Resources lists resource files per target.
func (s *Session) Resources(_ context.Context, params bsp.ResourcesParams) (bsp.ResourcesResult, error) {
	root, m, err := s.snapshot()
	if err != nil {
		return bsp.ResourcesResult{}, err
	}
	items := make([]bsp.ResourcesItem, 0, len(params.Targets))
	for _, id := range params.Targets {
		t, err := lookupTarget(root, m, id)
		if err != nil {
			return bsp.ResourcesResult{}, err
		}
		items = append(items, bsp.ResourcesItem{Target: id, Resources: fileURIs(root, t.Resources)})
	}
	return bsp.ResourcesResult{Items: items}, nil
}

// Compile runs each target's compile command in the build root. Output lines
// are forwarded to log. A failing command yields StatusError, a cancelled
// request StatusCancelled; neither is a protocol error.
func (s *Session) Compile(ctx context.Context, params bsp.CompileParams, log bsp.LogSink) (bsp.CompileResult, error) {
	root, m, err := s.snapshot()
	if err != nil {
		return bsp.CompileResult{}, err
	}
	targets := make([]*Target, 0, len(params.Targets))
	for _, id := range params.Targets {
		t, err := lookupTarget(root, m, id)
		if err != nil {
			return bsp.CompileResult{}, err
		}
		targets = append(targets, t)
	}

	result := bsp.CompileResult{OriginID: params.OriginID, StatusCode: bsp.StatusOK}
	for _, t := range targets {
		cmd := t.compileCommand(m)
		if len(cmd) == 0 {
			log.ClientLog(bsprpc.LogInfo, fmt.Sprintf("%s: nothing to compile", t.Name))
			continue
		}
		args := append(append([]string{}, cmd[1:]...), params.Arguments...)
		status := s.runCompile(ctx, root, t.Name, cmd[0], args, log)
		if status != bsp.StatusOK {
			result.StatusCode = status
			break
		}
	}
	return result, nil
}

func (s *Session) runCompile(ctx context.Context, root, target, name string, args []string, log bsp.LogSink) bsp.StatusCode {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "BSPD_TARGET="+target)
	cmd.WaitDelay = 2 * time.Second

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	s.logger.Debug("compiling", zap.String("target", target), zap.String("command", name), zap.Strings("args", args))
	log.ClientLog(bsprpc.LogInfo, fmt.Sprintf("%s: compiling", target))

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		log.ClientLog(bsprpc.LogError, fmt.Sprintf("%s: %v", target, err))
		return bsp.StatusError
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			log.ClientLog(bsprpc.LogInfo, scanner.Text())
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	_ = pw.Close()
	wg.Wait()

	switch {
	case err == nil:
		log.ClientLog(bsprpc.LogInfo, fmt.Sprintf("%s: compiled", target))
		return bsp.StatusOK
	case ctx.Err() != nil:
		log.ClientLog(bsprpc.LogWarn, fmt.Sprintf("%s: compilation cancelled", target))
		return bsp.StatusCancelled
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.ClientLog(bsprpc.LogError, fmt.Sprintf("%s: compiler exited with status %d", target, exitErr.ExitCode()))
		} else {
			log.ClientLog(bsprpc.LogError, fmt.Sprintf("%s: %v", target, err))
		}
		return bsp.StatusError
	}
}

func lookupTarget(root string, m *Manifest, id bsp.BuildTargetIdentifier) (*Target, error) {
	name, ok := targetName(root, id.URI)
	if ok {
		if t, found := m.target(name); found {
			return t, nil
		}
	}
	return nil, bsprpc.NewError(bsprpc.CodeInvalidParams, "unknown build target %s", id.URI)
}

// targetID encodes a target name as a URI under the build root.
func targetID(root, name string) bsp.BuildTargetIdentifier {
	return bsp.BuildTargetIdentifier{URI: fileURI(root) + "?id=" + url.QueryEscape(name)}
}

func targetName(root, uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" || filepath.Clean(u.Path) != filepath.Clean(root) {
		return "", false
	}
	name := u.Query().Get("id")
	return name, name != ""
}

func pathFromURI(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("empty URI")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return filepath.Clean(u.Path), nil
}

func fileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

func fileURIs(root string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, fileURI(resolve(root, p)))
	}
	return out
}

func resolve(root, p string) string {
	if p == "" {
		return root
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

func sourceItem(path string, generated bool) bsp.SourceItem {
	kind := bsp.SourceItemDirectory
	if fi, err := os.Stat(path); err == nil {
		if !fi.IsDir() {
			kind = bsp.SourceItemFile
		}
	} else if filepath.Ext(path) != "" {
		kind = bsp.SourceItemFile
	}
	uri := fileURI(path)
	if kind == bsp.SourceItemDirectory && !strings.HasSuffix(uri, "/") {
		uri += "/"
	}
	return bsp.SourceItem{URI: uri, Kind: kind, Generated: generated}
}

// binaryVersion maps 2.13.12 to 2.13 and 3.3.1 to 3.
func binaryVersion(v string) string {
	parts := strings.Split(v, ".")
	if len(parts) > 0 && parts[0] == "3" {
		return "3"
	}
	if len(parts) >= 2 {
		return parts[0] + "." + parts[1]
	}
	return v
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
