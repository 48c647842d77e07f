package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	domain "github.com/promptline/agentd/internal/domain/engine"
)

// Scripted is a deterministic in-memory engine used in dev mode and
// tests. Each invocation replays the configured script, or a minimal
// assistant-then-complete exchange when no script is set.
type Scripted struct {
	// Script, when non-nil, produces the events for one invocation.
	Script func(req domain.InvokeRequest) []domain.Event
	// StepDelay inserts a pause between events to simulate engine latency.
	StepDelay time.Duration
}

// NewScripted constructs a scripted engine with the default exchange.
func NewScripted() *Scripted {
	return &Scripted{}
}

type scriptedInvocation struct {
	events chan domain.Event

	abortOnce sync.Once
	abort     chan struct{}
}

func (inv *scriptedInvocation) Events() <-chan domain.Event {
	return inv.events
}

func (inv *scriptedInvocation) Abort() {
	inv.abortOnce.Do(func() { close(inv.abort) })
}

// Invoke replays the script as an invocation event stream.
func (s *Scripted) Invoke(ctx context.Context, req domain.InvokeRequest) (domain.Invocation, error) {
	script := s.defaultScript(req)
	if s.Script != nil {
		script = s.Script(req)
	}

	inv := &scriptedInvocation{
		events: make(chan domain.Event, len(script)+1),
		abort:  make(chan struct{}),
	}

	go func() {
		defer close(inv.events)
		for _, event := range script {
			if s.StepDelay > 0 {
				timer := time.NewTimer(s.StepDelay)
				select {
				case <-timer.C:
				case <-inv.abort:
					timer.Stop()
					inv.events <- domain.Event{Type: domain.EventError, Err: domain.ErrAborted.Error()}
					return
				case <-ctx.Done():
					timer.Stop()
					inv.events <- domain.Event{Type: domain.EventError, Err: domain.ErrAborted.Error()}
					return
				}
			}

			select {
			case <-inv.abort:
				inv.events <- domain.Event{Type: domain.EventError, Err: domain.ErrAborted.Error()}
				return
			case <-ctx.Done():
				inv.events <- domain.Event{Type: domain.EventError, Err: domain.ErrAborted.Error()}
				return
			default:
			}

			inv.events <- event
			if event.Type.Terminal() {
				return
			}
		}
	}()

	return inv, nil
}

func (s *Scripted) defaultScript(req domain.InvokeRequest) []domain.Event {
	reply, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("ok: %s", req.Prompt),
	})
	return []domain.Event{
		{Type: domain.EventAssistant, Data: reply},
		{Type: domain.EventComplete, Result: &domain.Result{
			Output:         reply,
			ContinuationID: "cont-" + req.JobID,
		}},
	}
}

var _ domain.Engine = (*Scripted)(nil)
