// Package engine defines the port to the external conversational engine.
// The engine itself is an external collaborator; adapters live under
// internal/adapters/engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrAborted is returned by an invocation that was stopped via Abort.
// Aborted work is cancellation, not failure: callers must not retry it.
var ErrAborted = errors.New("engine invocation aborted")

// EventType classifies a streamed engine event.
type EventType string

const (
	// EventAssistant is an intermediate assistant message.
	EventAssistant EventType = "assistant"
	// EventToolUse announces a tool invocation.
	EventToolUse EventType = "tool_use"
	// EventToolResult carries a tool invocation result.
	EventToolResult EventType = "tool_result"
	// EventUsage carries token/cost accounting.
	EventUsage EventType = "usage"
	// EventComplete terminates a successful invocation.
	EventComplete EventType = "complete"
	// EventError terminates a failed invocation.
	EventError EventType = "error"
)

// Terminal reports whether the event type ends the invocation stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Event is a single entry in an invocation's ordered event stream.
// The stream is terminated by exactly one complete or error event.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`

	// Result is set on complete events.
	Result *Result `json:"result,omitempty"`
	// Err is set on error events.
	Err string `json:"error,omitempty"`
}

// Result is the final outcome of a successful invocation.
type Result struct {
	// Output is the engine's final answer payload.
	Output json.RawMessage `json:"output,omitempty"`
	// ContinuationID resumes this conversation on the next invocation.
	ContinuationID string `json:"continuation_id,omitempty"`
}

// InvokeRequest carries everything the engine needs for one turn.
type InvokeRequest struct {
	SessionID      string
	JobID          string
	Prompt         string
	ProjectContext string
	// ContinuationID is empty for the first turn of a session.
	ContinuationID string
}

// Invocation is one in-flight engine run.
type Invocation interface {
	// Events returns the ordered event stream. The channel is closed
	// after the terminal event has been delivered.
	Events() <-chan Event
	// Abort stops the invocation promptly. Safe to call more than once.
	Abort()
}

// Engine starts invocations against the external conversational engine.
type Engine interface {
	Invoke(ctx context.Context, req InvokeRequest) (Invocation, error)
}
