// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Option represents an option for configuring the [Server].
type Option func(*Server)

// WithLogger sets the [*slog.Logger] for the [Server].
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the [trace.Tracer] for the [Server].
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithRequestTimeout sets the timeout applied to requests the server sends
// to its peers.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}
