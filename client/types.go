// Package client is the Go client for the agentd API: a thin HTTP
// wrapper plus a cursor-based sync engine that keeps a local message
// log converged with the server's durable log.
package client

import (
	"encoding/json"
	"time"
)

// Message is one entry of a session's durable message log.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	ParentID  *string         `json:"parent_id,omitempty"`
	JobID     *string         `json:"job_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`

	// Local is true for optimistic messages that have not been confirmed
	// by the server yet. Local messages never come from the wire.
	Local bool `json:"-"`
}

// SessionState is the sync-relevant slice of a session.
type SessionState struct {
	ID            string  `json:"id"`
	IsWorking     bool    `json:"is_working"`
	CurrentJobID  *string `json:"current_job_id,omitempty"`
	LastJobStatus *string `json:"last_job_status,omitempty"`
}

// MessagePage is one page of a session's message log.
type MessagePage struct {
	Messages   []Message    `json:"messages"`
	Session    SessionState `json:"session"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// SubmitAck acknowledges an accepted message submission.
type SubmitAck struct {
	JobID     string `json:"job_id"`
	MessageID string `json:"message_id"`
}

// CancelAck acknowledges a cancellation request.
type CancelAck struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// LiveEvent is one relay event delivered over the live stream.
type LiveEvent struct {
	SessionID string          `json:"session_id"`
	JobID     string          `json:"job_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// LiveFrame is one frame of the live stream: an update carrying a relay
// event, or a heartbeat.
type LiveFrame struct {
	Type string     `json:"type"`
	Data *LiveEvent `json:"data,omitempty"`
}
