// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package bsp

import "encoding/json"

// ProtocolVersion is the BSP version this server implements.
const ProtocolVersion = "2.1.0"

// BuildTargetIdentifier names a build target by URI.
type BuildTargetIdentifier struct {
	URI string `json:"uri"`
}

// BuildClientCapabilities is sent by the client in build/initialize.
type BuildClientCapabilities struct {
	LanguageIDs []string `json:"languageIds"`
}

// InitializeBuildParams are the build/initialize params.
type InitializeBuildParams struct {
	DisplayName  string                  `json:"displayName"`
	Version      string                  `json:"version"`
	BSPVersion   string                  `json:"bspVersion"`
	RootURI      string                  `json:"rootUri"`
	Capabilities BuildClientCapabilities `json:"capabilities"`
	DataKind     string                  `json:"dataKind,omitempty"`
	Data         *json.RawMessage        `json:"data,omitempty"`
}

// LanguageProvider lists the languages a capability supports.
type LanguageProvider struct {
	LanguageIDs []string `json:"languageIds"`
}

// BuildServerCapabilities advertises what the server can do.
type BuildServerCapabilities struct {
	CompileProvider            *LanguageProvider `json:"compileProvider,omitempty"`
	TestProvider               *LanguageProvider `json:"testProvider,omitempty"`
	RunProvider                *LanguageProvider `json:"runProvider,omitempty"`
	InverseSourcesProvider     bool              `json:"inverseSourcesProvider"`
	DependencySourcesProvider  bool              `json:"dependencySourcesProvider"`
	ResourcesProvider          bool              `json:"resourcesProvider"`
	BuildTargetChangedProvider bool              `json:"buildTargetChangedProvider"`
	JvmRunEnvironmentProvider  bool              `json:"jvmRunEnvironmentProvider"`
	JvmTestEnvironmentProvider bool              `json:"jvmTestEnvironmentProvider"`
	CanReload                  bool              `json:"canReload"`
}

// InitializeBuildResult answers build/initialize.
type InitializeBuildResult struct {
	DisplayName  string                  `json:"displayName"`
	Version      string                  `json:"version"`
	BSPVersion   string                  `json:"bspVersion"`
	Capabilities BuildServerCapabilities `json:"capabilities"`
	DataKind     string                  `json:"dataKind,omitempty"`
	Data         any                     `json:"data,omitempty"`
}

// BuildTargetCapabilities describes what can be done with a target.
type BuildTargetCapabilities struct {
	CanCompile bool `json:"canCompile"`
	CanTest    bool `json:"canTest"`
	CanRun     bool `json:"canRun"`
	CanDebug   bool `json:"canDebug"`
}

// Build target tags.
const (
	TagLibrary     = "library"
	TagApplication = "application"
	TagTest        = "test"
)

// BuildTarget is one unit of the build.
type BuildTarget struct {
	ID            BuildTargetIdentifier   `json:"id"`
	DisplayName   string                  `json:"displayName,omitempty"`
	BaseDirectory string                  `json:"baseDirectory,omitempty"`
	Tags          []string                `json:"tags"`
	LanguageIDs   []string                `json:"languageIds"`
	Dependencies  []BuildTargetIdentifier `json:"dependencies"`
	Capabilities  BuildTargetCapabilities `json:"capabilities"`
	DataKind      string                  `json:"dataKind,omitempty"`
	Data          any                     `json:"data,omitempty"`
}

// ScalaBuildTarget is BuildTarget.Data when DataKind is "scala".
type ScalaBuildTarget struct {
	ScalaOrganization  string   `json:"scalaOrganization"`
	ScalaVersion       string   `json:"scalaVersion"`
	ScalaBinaryVersion string   `json:"scalaBinaryVersion"`
	Platform           int      `json:"platform"`
	Jars               []string `json:"jars"`
}

// WorkspaceBuildTargetsResult answers workspace/buildTargets.
type WorkspaceBuildTargetsResult struct {
	Targets []BuildTarget `json:"targets"`
}

// TargetsParams is the params shape shared by the per-target queries.
type TargetsParams struct {
	Targets []BuildTargetIdentifier `json:"targets"`
}

type (
	SourcesParams           = TargetsParams
	DependencySourcesParams = TargetsParams
	ScalacOptionsParams     = TargetsParams
	ResourcesParams         = TargetsParams
)

// SourceItemKind tells files from directories.
type SourceItemKind int

const (
	SourceItemFile      SourceItemKind = 1
	SourceItemDirectory SourceItemKind = 2
)

// SourceItem is one source file or directory.
type SourceItem struct {
	URI       string         `json:"uri"`
	Kind      SourceItemKind `json:"kind"`
	Generated bool           `json:"generated"`
}

// SourcesItem lists the sources of one target.
type SourcesItem struct {
	Target  BuildTargetIdentifier `json:"target"`
	Sources []SourceItem          `json:"sources"`
	Roots   []string              `json:"roots,omitempty"`
}

// SourcesResult answers buildTarget/sources.
type SourcesResult struct {
	Items []SourcesItem `json:"items"`
}

// DependencySourcesItem lists source jars or directories a target depends on.
type DependencySourcesItem struct {
	Target  BuildTargetIdentifier `json:"target"`
	Sources []string              `json:"sources"`
}

// DependencySourcesResult answers buildTarget/dependencySources.
type DependencySourcesResult struct {
	Items []DependencySourcesItem `json:"items"`
}

// ScalacOptionsItem carries compiler settings for one target.
type ScalacOptionsItem struct {
	Target         BuildTargetIdentifier `json:"target"`
	Options        []string              `json:"options"`
	Classpath      []string              `json:"classpath"`
	ClassDirectory string                `json:"classDirectory"`
}

// ScalacOptionsResult answers buildTarget/scalacOptions.
type ScalacOptionsResult struct {
	Items []ScalacOptionsItem `json:"items"`
}

// ResourcesItem lists resource files of one target.
type ResourcesItem struct {
	Target    BuildTargetIdentifier `json:"target"`
	Resources []string              `json:"resources"`
}

// ResourcesResult answers buildTarget/resources.
type ResourcesResult struct {
	Items []ResourcesItem `json:"items"`
}

// CompileParams are the buildTarget/compile params.
type CompileParams struct {
	Targets   []BuildTargetIdentifier `json:"targets"`
	OriginID  string                  `json:"originId,omitempty"`
	Arguments []string                `json:"arguments,omitempty"`
}

// StatusCode is the outcome of a compile.
type StatusCode int

const (
	StatusOK        StatusCode = 1
	StatusError     StatusCode = 2
	StatusCancelled StatusCode = 3
)

// CompileResult answers buildTarget/compile.
type CompileResult struct {
	OriginID   string     `json:"originId,omitempty"`
	StatusCode StatusCode `json:"statusCode"`
	DataKind   string     `json:"dataKind,omitempty"`
	Data       any        `json:"data,omitempty"`
}

// emptyItems is the result of every method this server answers with a
// constant.
type emptyItems struct {
	Items []struct{} `json:"items"`
}
