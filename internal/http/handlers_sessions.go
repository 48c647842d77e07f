// Package httpx provides the HTTP handlers and utilities for the agentd API.
package httpx

import (
	"errors"
	"net/http"

	"github.com/promptline/agentd/internal/domain/model"
	"github.com/promptline/agentd/internal/service"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// SessionHandlers provides HTTP handlers for session-scoped operations:
// submitting messages, reading the message log, and cancelling work.
type SessionHandlers struct {
	Jobs     *service.JobService
	Messages *service.MessageService
}

// submitMessageRequest is the body of POST /api/sessions/{sessionID}/messages.
type submitMessageRequest struct {
	Prompt      string `json:"prompt"`
	Priority    int    `json:"priority,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	// MessageID lets clients supply the durable id of the user message so
	// retried submissions stay idempotent.
	MessageID string `json:"message_id,omitempty"`
}

// submitMessageResponse acknowledges an accepted submission.
type submitMessageResponse struct {
	JobID     string `json:"job_id"`
	MessageID string `json:"message_id"`
}

// SubmitMessage enqueues an agent job for the session. The user message
// is recorded on the durable log in the same transaction that creates
// the job, so the log always shows the prompt before any worker output
// and a failed submission leaves nothing behind. Responds 202 on
// acceptance and 409 when the session already has an active job.
func (h *SessionHandlers) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("session id is required")})
		return
	}

	var req submitMessageRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	createReq := &model.CreateJobRequest{
		SessionID:   sessionID,
		Prompt:      req.Prompt,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		MessageID:   req.MessageID,
	}
	job, err := h.Jobs.Submit(r.Context(), createReq)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, submitMessageResponse{JobID: job.ID, MessageID: createReq.MessageID})
}

// ListMessages returns one page of the session's message log plus the
// session state snapshot and the next cursor.
func (h *SessionHandlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("session id is required")})
		return
	}

	cursor := r.URL.Query().Get("after")
	limit := parseLimit(r, defaultPageLimit, maxPageLimit)

	page, err := h.Messages.ListPage(r.Context(), sessionID, cursor, limit)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, page)
}

// cancelResponse acknowledges a cancellation request.
type cancelResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

// Cancel requests cancellation of the session's active job. Pending jobs
// are cancelled immediately; running jobs are aborted by their worker.
func (h *SessionHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("session id is required")})
		return
	}

	jobID, status, err := h.Jobs.CancelActive(r.Context(), sessionID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, cancelResponse{JobID: jobID, Status: status})
}
