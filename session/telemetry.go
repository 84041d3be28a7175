// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// tracerName identifies this instrumentation scope.
const tracerName = "github.com/go-taskrpc/taskrpc/session"

// Tracer returns the globally registered tracer for session instrumentation.
// Sessions not configured with [WithTracer] do not trace.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func noopTracer() trace.Tracer {
	return tracenoop.NewTracerProvider().Tracer(tracerName)
}
