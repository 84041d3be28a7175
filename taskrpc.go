// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskrpc implements a bidirectional JSON-RPC runtime extended with a
// long-running task execution model.
//
// A peer can submit work that does not complete within a single
// request/response cycle, poll its status, and receive mid-flight nested
// requests (for example the worker asking the submitter a question) while the
// original call is still outstanding.
//
// This package holds the protocol data model: JSON-RPC message types, task
// state, method names and error codes. The concurrency core lives in the
// task and session packages; server and client wire them onto a transport.
package taskrpc

// ProtocolVersion is the protocol revision implemented by this module.
const ProtocolVersion = "2026-03-26"

// Metadata keys attached to results that relate to a task.
const (
	// RelatedTaskMetaKey tags a result payload with the task it belongs to.
	RelatedTaskMetaKey = "io.taskrpc/related-task"

	// ModelImmediateResponseMetaKey carries an optional immediate textual
	// response returned alongside a task creation acknowledgment.
	ModelImmediateResponseMetaKey = "io.taskrpc/model-immediate-response"
)
