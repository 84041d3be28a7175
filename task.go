// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package taskrpc

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states.
const (
	// TaskStatusWorking indicates the task is executing.
	TaskStatusWorking TaskStatus = "working"
	// TaskStatusInputRequired indicates the task is blocked on input from the submitter.
	TaskStatusInputRequired TaskStatus = "input_required"
	// TaskStatusCompleted indicates the task finished successfully. Terminal.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed. Terminal.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled. Terminal.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of work tracked across more than one request/response
// exchange, identified by an opaque id.
type Task struct {
	// TaskID is the opaque unique identifier for the task.
	TaskID string `json:"taskId"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// StatusMessage is an optional human-readable progress string,
	// overwritten on each update.
	StatusMessage string `json:"statusMessage,omitempty"`
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"createdAt"`
	// LastUpdatedAt is refreshed on every mutation.
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	// TTL is an advisory lifetime hint in milliseconds. Nil means no expiry.
	TTL *int64 `json:"ttl"`
	// PollInterval hints the caller's poll cadence in milliseconds.
	PollInterval *int64 `json:"pollInterval,omitempty"`
}

// TaskMetadata augments a request with task execution parameters.
type TaskMetadata struct {
	// TTL is the requested task lifetime in milliseconds. Nil requests no expiry.
	TTL *int64 `json:"ttl"`
}

// Content is a typed content block inside a tool or sampling result.
type Content struct {
	// Type discriminates the content kind, currently always "text".
	Type string `json:"type"`
	// Text is the textual payload.
	Text string `json:"text,omitempty"`
}

// NewTextContent creates a text [Content] block.
func NewTextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// CallToolParams are the parameters of a tools/call request.
type CallToolParams struct {
	// Name identifies the tool.
	Name string `json:"name"`
	// Arguments holds the tool arguments.
	Arguments map[string]any `json:"arguments,omitempty"`
	// Task, when present, makes the call task-augmented: the response is a
	// [CreateTaskResult] acknowledgment and the actual result is fetched later.
	Task *TaskMetadata `json:"task,omitempty"`
	// Meta carries request metadata.
	Meta map[string]any `json:"_meta,omitempty"`
}

// CallToolResult is the result payload of a tool invocation, immediate or
// stored as a task's terminal result.
type CallToolResult struct {
	// Content holds the result content blocks.
	Content []Content `json:"content"`
	// IsError reports a tool-level failure carried inside a successful response.
	IsError bool `json:"isError,omitempty"`
	// Meta carries result metadata, including the related-task tag.
	Meta map[string]any `json:"_meta,omitempty"`
}

// CreateTaskResult acknowledges a task-augmented call, deferring the actual
// result to later polling.
type CreateTaskResult struct {
	// Task is the snapshot of the freshly created task.
	Task Task `json:"task"`
	// Meta carries result metadata such as an immediate model response.
	Meta map[string]any `json:"_meta,omitempty"`
}

// GetTaskParams are the parameters of tasks/get, tasks/result and tasks/cancel.
type GetTaskParams struct {
	// TaskID identifies the task.
	TaskID string `json:"taskId"`
}

// GetTaskResult is the non-blocking status snapshot returned by tasks/get.
type GetTaskResult struct {
	Task
}

// ListTasksParams are the parameters of a tasks/list request.
type ListTasksParams struct {
	// Cursor is an opaque pagination token from a previous result.
	Cursor string `json:"cursor,omitempty"`
}

// ListTasksResult is the paginated enumeration returned by tasks/list.
type ListTasksResult struct {
	// Tasks is one page of task snapshots.
	Tasks []Task `json:"tasks"`
	// NextCursor, when non-empty, fetches the next page.
	NextCursor string `json:"nextCursor,omitempty"`
}

// ElicitParams are the parameters of an elicitation/create nested request,
// asking the submitter for structured input.
type ElicitParams struct {
	// Message is the prompt shown to the submitter.
	Message string `json:"message"`
	// RequestedSchema is a JSON schema describing the expected content.
	RequestedSchema map[string]any `json:"requestedSchema,omitempty"`
	// Meta tags the request with the related task.
	Meta map[string]any `json:"_meta,omitempty"`
}

// Elicitation result actions.
const (
	// ElicitActionAccept indicates the submitter supplied the requested input.
	ElicitActionAccept = "accept"
	// ElicitActionDecline indicates the submitter refused.
	ElicitActionDecline = "decline"
	// ElicitActionCancel indicates the submitter dismissed the request.
	ElicitActionCancel = "cancel"
)

// ElicitResult is the submitter's answer to an elicitation request.
type ElicitResult struct {
	// Action is one of accept, decline or cancel.
	Action string `json:"action"`
	// Content holds the supplied input when Action is accept.
	Content map[string]any `json:"content,omitempty"`
}

// SamplingMessage is one message in a sampling conversation.
type SamplingMessage struct {
	// Role is "user" or "assistant".
	Role string `json:"role"`
	// Content is the message content.
	Content Content `json:"content"`
}

// CreateMessageParams are the parameters of a sampling/createMessage nested
// request, asking the submitter to perform a model completion.
type CreateMessageParams struct {
	// Messages is the conversation to complete.
	Messages []SamplingMessage `json:"messages"`
	// MaxTokens bounds the completion length.
	MaxTokens int `json:"maxTokens,omitempty"`
	// SystemPrompt optionally steers the completion.
	SystemPrompt string `json:"systemPrompt,omitempty"`
	// Meta tags the request with the related task.
	Meta map[string]any `json:"_meta,omitempty"`
}

// CreateMessageResult is the submitter's completion for a sampling request.
type CreateMessageResult struct {
	// Role is the role of the generated message, normally "assistant".
	Role string `json:"role"`
	// Content is the generated content.
	Content Content `json:"content"`
	// Model names the model that produced the completion.
	Model string `json:"model,omitempty"`
	// StopReason reports why generation stopped.
	StopReason string `json:"stopReason,omitempty"`
}

// CancelledParams are the parameters of a notifications/cancelled notification.
type CancelledParams struct {
	// RequestID cites the in-flight request to abandon.
	RequestID RequestID `json:"requestId"`
	// Reason optionally explains the cancellation.
	Reason string `json:"reason,omitempty"`
}

// TaskStatusParams are the parameters of a notifications/tasks/status
// notification pushed through the blocking result call.
type TaskStatusParams struct {
	// TaskID identifies the task.
	TaskID string `json:"taskId"`
	// Status is the new lifecycle state.
	Status TaskStatus `json:"status"`
	// StatusMessage is the accompanying progress string.
	StatusMessage string `json:"statusMessage,omitempty"`
}

// TasksCapability declares a peer's support for the task subsystem.
type TasksCapability struct {
	// List is non-nil when the peer serves tasks/list.
	List *struct{} `json:"list,omitempty"`
	// Cancel is non-nil when the peer serves tasks/cancel.
	Cancel *struct{} `json:"cancel,omitempty"`
}

// ClientCapabilities declares what the submitting peer supports.
type ClientCapabilities struct {
	// Tasks declares support for receiving task acknowledgments and polling.
	Tasks *TasksCapability `json:"tasks,omitempty"`
	// Elicitation declares support for answering elicitation/create.
	Elicitation *struct{} `json:"elicitation,omitempty"`
	// Sampling declares support for answering sampling/createMessage.
	Sampling *struct{} `json:"sampling,omitempty"`
}

// ServerCapabilities declares what the serving peer supports.
type ServerCapabilities struct {
	// Tools is non-nil when the peer serves tools/call.
	Tools *struct{} `json:"tools,omitempty"`
	// Tasks declares the task subsystem surface.
	Tasks *TasksCapability `json:"tasks,omitempty"`
}

// InitializeParams are the parameters of the initialize request.
type InitializeParams struct {
	// ProtocolVersion is the protocol revision the client speaks.
	ProtocolVersion string `json:"protocolVersion"`
	// Capabilities declares client support.
	Capabilities ClientCapabilities `json:"capabilities"`
	// ClientName names the client implementation.
	ClientName string `json:"clientName,omitempty"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	// ProtocolVersion is the protocol revision the server speaks.
	ProtocolVersion string `json:"protocolVersion"`
	// Capabilities declares server support.
	Capabilities ServerCapabilities `json:"capabilities"`
	// ServerName names the server implementation.
	ServerName string `json:"serverName,omitempty"`
}

// RelatedTaskMeta builds the metadata value tagging a payload with its task.
func RelatedTaskMeta(taskID string) map[string]any {
	return map[string]any{RelatedTaskMetaKey: map[string]any{"taskId": taskID}}
}
