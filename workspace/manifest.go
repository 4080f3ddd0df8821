// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultManifestName is looked up in the build root when no manifest path
// is configured.
const DefaultManifestName = ".bspd.yaml"

// Manifest describes the build targets of a workspace. Paths are relative to
// the build root unless absolute.
type Manifest struct {
	Name          string   `yaml:"name"`
	ScalaVersion  string   `yaml:"scala_version"`
	ScalaOrg      string   `yaml:"scala_organization"`
	ScalaJars     []string `yaml:"scala_jars"`
	LanguageIDs   []string `yaml:"languages"`
	Targets       []Target `yaml:"targets"`
	CompileScript []string `yaml:"compile"`
}

// Target is one build target in the manifest.
type Target struct {
	Name              string   `yaml:"name"`
	BaseDirectory     string   `yaml:"base_directory"`
	Tags              []string `yaml:"tags"`
	Dependencies      []string `yaml:"dependencies"`
	Sources           []string `yaml:"sources"`
	GeneratedSources  []string `yaml:"generated_sources"`
	Resources         []string `yaml:"resources"`
	DependencySources []string `yaml:"dependency_sources"`
	Classpath         []string `yaml:"classpath"`
	ClassDirectory    string   `yaml:"class_directory"`
	ScalacOptions     []string `yaml:"scalac_options"`
	// Compile overrides the manifest-level compile command for this target.
	Compile []string `yaml:"compile"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes a manifest. Unknown keys are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Targets))
	for i, t := range m.Targets {
		if t.Name == "" {
			return fmt.Errorf("target %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("target %q defined twice", t.Name)
		}
		seen[t.Name] = true
	}
	for _, t := range m.Targets {
		for _, dep := range t.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("target %q depends on unknown target %q", t.Name, dep)
			}
		}
	}
	return nil
}

func (m *Manifest) target(name string) (*Target, bool) {
	for i := range m.Targets {
		if m.Targets[i].Name == name {
			return &m.Targets[i], true
		}
	}
	return nil, false
}

func (m *Manifest) languages() []string {
	if len(m.LanguageIDs) > 0 {
		return m.LanguageIDs
	}
	return []string{"scala", "java"}
}

func (t *Target) compileCommand(m *Manifest) []string {
	if len(t.Compile) > 0 {
		return t.Compile
	}
	return m.CompileScript
}
