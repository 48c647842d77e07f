package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/promptline/agentd/internal/domain/engine"
	"github.com/promptline/agentd/internal/domain/model"
	"github.com/promptline/agentd/internal/relay"
	"github.com/promptline/agentd/internal/service"
)

// execution drives one job through the engine: it consumes the ordered
// invocation event stream, persists durable messages, and relays
// progress events. Relay delivery is fire-and-forget; the message log
// is the durable record.
type execution struct {
	job      *model.Job
	session  *model.Session
	engine   engine.Engine
	messages *service.MessageService
	relay    relay.Relay
	registry *registry
	logger   *slog.Logger

	heartbeat func(ctx context.Context) (held, cancelRequested bool, err error)
	leaseTick time.Duration
}

// executionResult is what an execution leaves behind for the terminal
// transition.
type executionResult struct {
	continuationID string
}

// run executes the job to its terminal event. It returns
// engine.ErrAborted when the invocation was cancelled, any other error
// on failure. Durable messages are persisted before run returns, so the
// caller can flip job and session state knowing the log is complete.
func (e *execution) run(ctx context.Context) (*executionResult, error) {
	continuationID := ""
	if e.session.ContinuationID != nil {
		continuationID = *e.session.ContinuationID
	}

	inv, err := e.engine.Invoke(ctx, engine.InvokeRequest{
		SessionID:      e.job.SessionID,
		JobID:          e.job.ID,
		Prompt:         e.job.Prompt,
		ProjectContext: e.session.ProjectContext,
		ContinuationID: continuationID,
	})
	if err != nil {
		e.persistErrorMessage(ctx, fmt.Sprintf("engine invoke: %v", err))
		return nil, fmt.Errorf("engine invoke: %w", err)
	}

	e.registry.add(e.job.ID, inv)
	defer e.registry.remove(e.job.ID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeatLoop(heartbeatCtx, inv)

	return e.consume(ctx, inv)
}

// heartbeatLoop extends the lease while the invocation runs. A lost
// lease or a flagged cancellation aborts the invocation; the cancel
// flag check is the fallback path for cancel notifications the worker
// missed.
func (e *execution) heartbeatLoop(ctx context.Context, inv engine.Invocation) {
	tick := e.leaseTick
	if tick <= 0 {
		tick = 10 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, cancelRequested, err := e.heartbeat(ctx)
			if err != nil {
				e.logger.WarnContext(ctx, "heartbeat failed", "job_id", e.job.ID, "error", err)
				continue
			}
			if cancelRequested {
				e.logger.InfoContext(ctx, "cancel flag observed on heartbeat", "job_id", e.job.ID)
				inv.Abort()
				return
			}
			if !held {
				e.logger.WarnContext(ctx, "lease lost, aborting execution", "job_id", e.job.ID)
				inv.Abort()
				return
			}
		}
	}
}

// consume drains the invocation event stream until the terminal event.
func (e *execution) consume(ctx context.Context, inv engine.Invocation) (*executionResult, error) {
	for event := range inv.Events() {
		switch event.Type {
		case engine.EventAssistant:
			e.persistAssistantMessage(ctx, event.Data)
			e.relayEvent(ctx, model.EventTypeMessage, event.Data)

		case engine.EventToolUse:
			e.relayEvent(ctx, model.EventTypeToolUse, event.Data)

		case engine.EventToolResult:
			e.relayEvent(ctx, model.EventTypeToolResult, event.Data)

		case engine.EventUsage:
			e.relayEvent(ctx, model.EventTypeUsage, event.Data)

		case engine.EventComplete:
			result := &executionResult{}
			var output json.RawMessage
			if event.Result != nil {
				result.continuationID = event.Result.ContinuationID
				output = event.Result.Output
			}
			e.persistResultMessage(ctx, output)
			e.relayEvent(ctx, model.EventTypeComplete, output)
			return result, nil

		case engine.EventError:
			if event.Err == engine.ErrAborted.Error() {
				// Aborted executions leave no error message: cancellation
				// is not failure.
				return nil, engine.ErrAborted
			}
			e.persistErrorMessage(ctx, event.Err)
			e.relayEvent(ctx, model.EventTypeError, mustJSON(map[string]string{"error": event.Err}))
			return nil, errors.New(event.Err)
		}
	}

	// Channel closed without a terminal event. Adapters guarantee one,
	// so this is either an abort or a broken adapter.
	if ctx.Err() != nil {
		return nil, engine.ErrAborted
	}
	err := errors.New("engine stream ended without a terminal event")
	e.persistErrorMessage(ctx, err.Error())
	return nil, err
}

func (e *execution) persistAssistantMessage(ctx context.Context, data json.RawMessage) {
	e.persistMessage(ctx, model.MessageKindAssistant, data)
}

func (e *execution) persistResultMessage(ctx context.Context, output json.RawMessage) {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	e.persistMessage(ctx, model.MessageKindResult, output)
}

func (e *execution) persistErrorMessage(ctx context.Context, errMsg string) {
	e.persistMessage(ctx, model.MessageKindError, mustJSON(map[string]string{"error": errMsg}))
}

func (e *execution) persistMessage(ctx context.Context, kind model.MessageKind, payload json.RawMessage) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	jobID := e.job.ID
	if _, err := e.messages.Append(ctx, service.AppendParams{
		ID:        uuid.NewString(),
		SessionID: e.job.SessionID,
		Kind:      kind,
		Payload:   payload,
		JobID:     &jobID,
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist message failed",
			"job_id", e.job.ID,
			"kind", kind,
			"error", err,
		)
	}
}

// relayEvent publishes a progress event. Publish failures are logged
// and dropped; they never affect the job outcome.
func (e *execution) relayEvent(ctx context.Context, eventType model.EventType, data json.RawMessage) {
	if e.relay == nil {
		return
	}
	event := model.RelayEvent{
		SessionID: e.job.SessionID,
		JobID:     e.job.ID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := e.relay.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "relay publish failed, dropping event",
			"job_id", e.job.ID,
			"event_type", eventType,
			"error", err,
		)
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
