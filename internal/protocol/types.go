// Package protocol implements the JSON event protocol spoken on the job
// server's push channel.
//
// Every text frame is an envelope {"type": ..., "data": {...}}. Binary
// frames carry preview images and are not part of this package.
package protocol

import (
	"errors"

	json "github.com/goccy/go-json"
)

// Event type constants
const (
	TypeStatus           = "status"
	TypeProgress         = "progress"
	TypeExecuting        = "executing"
	TypeExecuted         = "executed"
	TypeExecutionStart   = "execution_start"
	TypeExecutionSuccess = "execution_success"
	TypeExecutionCached  = "execution_cached"
	TypeExecutionError   = "execution_error"
)

// MaxFrameSize is the largest text frame accepted from the server (4 MB)
const MaxFrameSize = 4 * 1024 * 1024

// Sentinel errors
var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrMissingType    = errors.New("event has no type")
	ErrFrameTooLarge  = errors.New("event frame too large")
)

// Envelope is the outer shape of every text frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is a decoded channel event.
type Event interface {
	// EventType returns the wire type name.
	EventType() string
	// JobID returns the prompt id the event refers to, or "" when the
	// server did not say.
	JobID() string
}

// StatusEvent reports queue occupancy. It arrives from the server and is
// also synthesized from queue polls.
type StatusEvent struct {
	QueueRunning   int
	QueuePending   int
	QueueRemaining int
	SID            string
	// Polled is set when the event came from an HTTP queue poll.
	Polled bool
}

// ProgressEvent reports numeric progress of the running node.
type ProgressEvent struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id,omitempty"`
	Node     string `json:"node,omitempty"`
}

// ExecutingEvent names the node being executed. A nil Node means the
// prompt finished executing.
type ExecutingEvent struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id,omitempty"`
}

// ExecutedEvent reports that a node produced output.
type ExecutedEvent struct {
	Node     string          `json:"node,omitempty"`
	PromptID string          `json:"prompt_id,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
}

// ExecutionStartEvent reports that the server began a prompt.
type ExecutionStartEvent struct {
	PromptID  string `json:"prompt_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ExecutionSuccessEvent reports that the whole prompt succeeded.
type ExecutionSuccessEvent struct {
	PromptID  string `json:"prompt_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ExecutionCachedEvent lists nodes served from the server's cache.
type ExecutionCachedEvent struct {
	PromptID string   `json:"prompt_id,omitempty"`
	Nodes    []string `json:"nodes,omitempty"`
}

// ExecutionErrorEvent reports a failed prompt.
type ExecutionErrorEvent struct {
	PromptID         string `json:"prompt_id,omitempty"`
	NodeID           string `json:"node_id,omitempty"`
	NodeType         string `json:"node_type,omitempty"`
	ExceptionType    string `json:"exception_type,omitempty"`
	ExceptionMessage string `json:"exception_message,omitempty"`
	Error            string `json:"error,omitempty"`
}

// UnknownEvent carries a frame whose type this client does not handle.
type UnknownEvent struct {
	Type string
	Data json.RawMessage
}

func (e *StatusEvent) EventType() string           { return TypeStatus }
func (e *ProgressEvent) EventType() string         { return TypeProgress }
func (e *ExecutingEvent) EventType() string        { return TypeExecuting }
func (e *ExecutedEvent) EventType() string         { return TypeExecuted }
func (e *ExecutionStartEvent) EventType() string   { return TypeExecutionStart }
func (e *ExecutionSuccessEvent) EventType() string { return TypeExecutionSuccess }
func (e *ExecutionCachedEvent) EventType() string  { return TypeExecutionCached }
func (e *ExecutionErrorEvent) EventType() string   { return TypeExecutionError }
func (e *UnknownEvent) EventType() string          { return e.Type }

func (e *StatusEvent) JobID() string           { return "" }
func (e *ProgressEvent) JobID() string         { return e.PromptID }
func (e *ExecutingEvent) JobID() string        { return e.PromptID }
func (e *ExecutedEvent) JobID() string         { return e.PromptID }
func (e *ExecutionStartEvent) JobID() string   { return e.PromptID }
func (e *ExecutionSuccessEvent) JobID() string { return e.PromptID }
func (e *ExecutionCachedEvent) JobID() string  { return e.PromptID }
func (e *ExecutionErrorEvent) JobID() string   { return e.PromptID }
func (e *UnknownEvent) JobID() string          { return "" }

// Finished reports whether the event marks the end of execution.
func (e *ExecutingEvent) Finished() bool {
	return e.Node == nil
}

// Message returns the most specific error text the server supplied.
func (e *ExecutionErrorEvent) Message() string {
	switch {
	case e.ExceptionMessage != "":
		return e.ExceptionMessage
	case e.Error != "":
		return e.Error
	case e.ExceptionType != "":
		return e.ExceptionType
	default:
		return "execution failed"
	}
}

// Total is the number of prompts the server is holding.
func (e *StatusEvent) Total() int {
	if n := e.QueueRunning + e.QueuePending; n > 0 {
		return n
	}
	return e.QueueRemaining
}
