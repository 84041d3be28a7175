// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"time"
)

// DefaultResultTimeout bounds a blocking result fetch. Task work can be
// long-lived, so it is far above the ordinary request timeout.
const DefaultResultTimeout = 10 * time.Minute

// Option represents an option for configuring the [ClientSession].
type Option func(*ClientSession)

// WithLogger sets the [*slog.Logger] for the session.
func WithLogger(logger *slog.Logger) Option {
	return func(cs *ClientSession) {
		if logger != nil {
			cs.logger = logger
		}
	}
}

// WithClientName sets the implementation name sent during initialization.
func WithClientName(name string) Option {
	return func(cs *ClientSession) {
		if name != "" {
			cs.name = name
		}
	}
}

// WithRequestTimeout sets the timeout for ordinary requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(cs *ClientSession) {
		if d > 0 {
			cs.timeout = d
		}
	}
}

// WithResultTimeout sets the timeout for blocking result fetches.
func WithResultTimeout(d time.Duration) Option {
	return func(cs *ClientSession) {
		if d > 0 {
			cs.resultTimeout = d
		}
	}
}

// WithElicitationHandler registers the callback answering nested
// elicitation requests. Registering it advertises the capability.
func WithElicitationHandler(h ElicitationHandler) Option {
	return func(cs *ClientSession) { cs.elicitHandler = h }
}

// WithSamplingHandler registers the callback answering nested sampling
// requests. Registering it advertises the capability.
func WithSamplingHandler(h SamplingHandler) Option {
	return func(cs *ClientSession) { cs.samplingHandler = h }
}

// WithTaskStatusHandler registers the observer for task status
// notifications.
func WithTaskStatusHandler(h TaskStatusHandler) Option {
	return func(cs *ClientSession) { cs.statusHandler = h }
}
