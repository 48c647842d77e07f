package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/promptline/agentd/internal/domain/model"
	"github.com/promptline/agentd/internal/relay"
)

// LiveHandlers streams relay events to clients over server-sent events.
// The stream is best-effort: clients recover missed progress from the
// durable message log.
type LiveHandlers struct {
	Relay             relay.Relay
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// liveFrame is one SSE payload: an update carrying a relay event, or a
// bare heartbeat keeping the connection alive.
type liveFrame struct {
	Type string            `json:"type"`
	Data *model.RelayEvent `json:"data,omitempty"`
}

// Stream handles GET /api/sessions/{sessionID}/live. It subscribes to
// the session's relay channel and writes each event as an SSE message,
// with heartbeats at the configured interval.
func (h *LiveHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("session id is required")})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: "streaming_unsupported",
			Err:     errors.New("response writer does not support streaming"),
		})
		return
	}

	events, err := h.Relay.Subscribe(r.Context(), sessionID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	interval := h.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, open := <-events:
			if !open {
				return
			}
			if !h.writeFrame(w, flusher, liveFrame{Type: "update", Data: &event}) {
				return
			}

		case <-ticker.C:
			if !h.writeFrame(w, flusher, liveFrame{Type: "heartbeat"}) {
				return
			}
		}
	}
}

func (h *LiveHandlers) writeFrame(w http.ResponseWriter, flusher http.Flusher, frame liveFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("marshal live frame failed", "error", err)
		}
		return true
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		// Client went away; the subscription is released via the request context.
		return false
	}
	flusher.Flush()
	return true
}
