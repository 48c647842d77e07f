package model

import (
	"encoding/json"
	"time"
)

// EventType classifies an ephemeral relay event.
type EventType string

const (
	// EventTypeMessage carries an intermediate assistant message.
	EventTypeMessage EventType = "message"
	// EventTypeToolUse announces a tool invocation by the engine.
	EventTypeToolUse EventType = "tool_use"
	// EventTypeToolResult carries a tool invocation result.
	EventTypeToolResult EventType = "tool_result"
	// EventTypeUsage carries token/cost accounting.
	EventTypeUsage EventType = "usage"
	// EventTypeError signals a job failure.
	EventTypeError EventType = "error"
	// EventTypeComplete signals successful job completion.
	EventTypeComplete EventType = "complete"
	// EventTypeHeartbeat is a liveness frame on push streams.
	EventTypeHeartbeat EventType = "heartbeat"
)

// RelayEvent is an ephemeral progress notification fanned out to live
// subscribers. Events are best-effort and never persisted: the durable
// message log is the only trustworthy recovery source.
type RelayEvent struct {
	SessionID string          `json:"session_id"`
	JobID     string          `json:"job_id,omitempty"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel returns the per-session relay channel name for the event.
func (e RelayEvent) Channel() string {
	return SessionChannel(e.SessionID)
}

// SessionChannel returns the relay channel name for a session id.
func SessionChannel(sessionID string) string {
	return "relay:session:" + sessionID
}
