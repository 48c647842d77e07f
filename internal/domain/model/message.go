package model

import (
	"encoding/json"
	"errors"
	"time"
)

// MessageKind represents the kind of a durable session message.
type MessageKind string

const (
	// MessageKindUser is a message submitted by the client.
	MessageKindUser MessageKind = "user"
	// MessageKindAssistant is an intermediate assistant message emitted during a job.
	MessageKindAssistant MessageKind = "assistant"
	// MessageKindSystem is a message produced by the system itself.
	MessageKindSystem MessageKind = "system"
	// MessageKindResult is the final result of a completed job.
	MessageKindResult MessageKind = "result"
	// MessageKindError records a job failure in the session transcript.
	MessageKindError MessageKind = "error"
)

// Valid returns true if the MessageKind is valid.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindUser, MessageKindAssistant, MessageKindSystem,
		MessageKindResult, MessageKindError:
		return true
	}
	return false
}

// Message is an immutable entry in a session's append-only message log.
// Appends are idempotent by id: re-appending an existing id is a no-op.
type Message struct {
	ID        string          `json:"id"                  db:"id"`
	SessionID string          `json:"session_id"          db:"session_id"`
	Kind      MessageKind     `json:"kind"                db:"kind"`
	Payload   json.RawMessage `json:"payload"             db:"payload"`
	ParentID  *string         `json:"parent_id,omitempty" db:"parent_id"`
	JobID     *string         `json:"job_id,omitempty"    db:"job_id"`
	CreatedAt time.Time       `json:"created_at"          db:"created_at"`
}

// Validate validates a message prior to append.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if m.SessionID == "" {
		return errors.New("session id is required")
	}
	if !m.Kind.Valid() {
		return errors.New("invalid message kind")
	}
	if len(m.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// MessagePage is one page of a session's message log plus the session
// state snapshot clients use to drive polling.
type MessagePage struct {
	Messages   []Message    `json:"messages"`
	Session    SessionState `json:"session"`
	NextCursor string       `json:"next_cursor,omitempty"`
}
