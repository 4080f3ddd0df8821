// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package bsp binds the Build Server Protocol methods to a build-query
// backend.
package bsp

import (
	"context"

	"github.com/Query-farm/bspd/bsprpc"
)

// BSP method names.
const (
	MethodInitialize        = "build/initialize"
	MethodInitialized       = "build/initialized"
	MethodShutdown          = "build/shutdown"
	MethodExit              = "build/exit"
	MethodBuildTargets      = "workspace/buildTargets"
	MethodReload            = "workspace/reload"
	MethodScalacOptions     = "buildTarget/scalacOptions"
	MethodJavacOptions      = "buildTarget/javacOptions"
	MethodSources           = "buildTarget/sources"
	MethodDependencySources = "buildTarget/dependencySources"
	MethodScalaMainClasses  = "buildTarget/scalaMainClasses"
	MethodJvmRunEnvironment = "buildTarget/jvmRunEnvironment"
	MethodScalaTestClasses  = "buildTarget/scalaTestClasses"
	MethodCompile           = "buildTarget/compile"
	MethodResources         = "buildTarget/resources"
)

// LogSink receives progress messages that are forwarded to the client as
// build/logMessage. *bsprpc.CallContext implements it.
type LogSink interface {
	ClientLog(level bsprpc.LogLevel, msg string)
}

// BuildQuery is the build-system layer the protocol methods delegate to.
// Implementations own the session state and must be safe for concurrent use.
type BuildQuery interface {
	Initialize(ctx context.Context, params InitializeBuildParams) (InitializeBuildResult, error)
	BuildTargets(ctx context.Context) (WorkspaceBuildTargetsResult, error)
	Sources(ctx context.Context, params SourcesParams) (SourcesResult, error)
	DependencySources(ctx context.Context, params DependencySourcesParams) (DependencySourcesResult, error)
	ScalacOptions(ctx context.Context, params ScalacOptionsParams) (ScalacOptionsResult, error)
	Compile(ctx context.Context, params CompileParams, log LogSink) (CompileResult, error)
	Resources(ctx context.Context, params ResourcesParams) (ResourcesResult, error)
	Reload(ctx context.Context) error
}

// Register adds every BSP method to table, delegating data queries to q.
func Register(table *bsprpc.Table, q BuildQuery) {
	bsprpc.Request(table, MethodInitialize, bsprpc.KindDelegated,
		func(ctx context.Context, _ *bsprpc.CallContext, p InitializeBuildParams) (InitializeBuildResult, error) {
			return q.Initialize(ctx, p)
		})
	bsprpc.NotificationNoParams(table, MethodInitialized, bsprpc.KindStub,
		func(context.Context, *bsprpc.CallContext) error { return nil })

	bsprpc.RequestNoParams(table, MethodBuildTargets, bsprpc.KindDelegated,
		func(ctx context.Context, _ *bsprpc.CallContext) (WorkspaceBuildTargetsResult, error) {
			return q.BuildTargets(ctx)
		})
	bsprpc.RequestNoParams(table, MethodReload, bsprpc.KindDelegated,
		func(ctx context.Context, _ *bsprpc.CallContext) (any, error) {
			return nil, q.Reload(ctx)
		})

	bsprpc.Request(table, MethodScalacOptions, bsprpc.KindDelegated,
		func(ctx context.Context, _ *bsprpc.CallContext, p ScalacOptionsParams) (ScalacOptionsResult, error) {
			return q.ScalacOptions(ctx, p)
		})
	bsprpc.Request(table, MethodSources, bsprpc.KindDelegated,
		func(ctx context.Context, _ *bsprpc.CallContext, p SourcesParams) (SourcesResult, error) {
			return q.Sources(ctx, p)
		})
	bsprpc.Request(table, MethodDependencySources, bsprpc.KindDelegated,
		func(ctx context.Context, _ *bsprpc.CallContext, p DependencySourcesParams) (DependencySourcesResult, error) {
			return q.DependencySources(ctx, p)
		})
	bsprpc.Request(table, MethodCompile, bsprpc.KindDelegated,
		func(ctx context.Context, call *bsprpc.CallContext, p CompileParams) (CompileResult, error) {
			return q.Compile(ctx, p, call)
		})
	bsprpc.Request(table, MethodResources, bsprpc.KindDelegated,
		func(ctx context.Context, _ *bsprpc.CallContext, p ResourcesParams) (ResourcesResult, error) {
			return q.Resources(ctx, p)
		})

	empty := emptyItems{Items: []struct{}{}}
	for _, name := range []string{
		MethodJavacOptions,
		MethodScalaMainClasses,
		MethodJvmRunEnvironment,
		MethodScalaTestClasses,
	} {
		bsprpc.Stub(table, name, empty)
	}

	bsprpc.HandleExit(table, MethodShutdown)
	bsprpc.HandleExit(table, MethodExit)
	bsprpc.HandleCancelRequest(table)
}

// NewServer builds a server with every BSP method bound to q.
func NewServer(q BuildQuery) *bsprpc.Server {
	table := bsprpc.NewTable()
	Register(table, q)
	return bsprpc.NewServer(table)
}
