// Package engine provides adapters for the external conversational
// engine port.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	domain "github.com/promptline/agentd/internal/domain/engine"
)

// CLI invokes the engine as a subprocess, one process per invocation.
// The process receives the request as JSON on stdin and streams
// newline-delimited JSON events on stdout, ending with a single
// complete or error event.
type CLI struct {
	command string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

// CLIOptions configure a CLI engine adapter.
type CLIOptions struct {
	Command string
	Args    []string
	// Timeout bounds a single invocation. Zero means no bound beyond ctx.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewCLI constructs a CLI engine adapter.
func NewCLI(opts CLIOptions) (*CLI, error) {
	if opts.Command == "" {
		return nil, errors.New("engine command is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{
		command: opts.Command,
		args:    opts.Args,
		timeout: opts.Timeout,
		logger:  logger.With("component", "engine_cli"),
	}, nil
}

// MustNewCLI constructs a CLI engine adapter and panics on error.
func MustNewCLI(opts CLIOptions) *CLI {
	cli, err := NewCLI(opts)
	if err != nil {
		panic(err)
	}
	return cli
}

// cliInvocation is one running engine subprocess.
type cliInvocation struct {
	events chan domain.Event

	abortOnce sync.Once
	cancel    context.CancelFunc
}

func (inv *cliInvocation) Events() <-chan domain.Event {
	return inv.events
}

func (inv *cliInvocation) Abort() {
	inv.abortOnce.Do(inv.cancel)
}

// cliRequest is the JSON document written to the engine's stdin.
type cliRequest struct {
	SessionID      string `json:"session_id"`
	JobID          string `json:"job_id"`
	Prompt         string `json:"prompt"`
	ProjectContext string `json:"project_context,omitempty"`
	ContinuationID string `json:"continuation_id,omitempty"`
}

// Invoke starts the engine subprocess and returns an invocation whose
// event channel carries the parsed stdout stream.
func (c *CLI) Invoke(ctx context.Context, req domain.InvokeRequest) (domain.Invocation, error) {
	var procCtx context.Context
	var cancel context.CancelFunc
	if c.timeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		procCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(procCtx, c.command, c.args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("engine stdout: %w", err)
	}

	if startErr := cmd.Start(); startErr != nil {
		cancel()
		return nil, fmt.Errorf("start engine: %w", startErr)
	}

	inv := &cliInvocation{
		events: make(chan domain.Event, 16),
		cancel: cancel,
	}

	go c.writeRequest(procCtx, stdin, req)
	go c.pump(procCtx, cmd.Wait, stdout, inv, req)

	return inv, nil
}

func (c *CLI) writeRequest(ctx context.Context, stdin io.WriteCloser, req domain.InvokeRequest) {
	defer func() {
		if err := stdin.Close(); err != nil {
			_ = err
		}
	}()

	payload, err := json.Marshal(cliRequest{
		SessionID:      req.SessionID,
		JobID:          req.JobID,
		Prompt:         req.Prompt,
		ProjectContext: req.ProjectContext,
		ContinuationID: req.ContinuationID,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "marshal engine request failed", "job_id", req.JobID, "error", err)
		return
	}
	payload = append(payload, '\n')
	if _, err := stdin.Write(payload); err != nil {
		c.logger.WarnContext(ctx, "write engine request failed", "job_id", req.JobID, "error", err)
	}
}

// pump reads ND-JSON events from stdout until the stream ends, then
// reaps the process via wait and guarantees a terminal event on the
// channel. An aborted invocation always ends in an ErrAborted terminal,
// never a synthetic failure, even when the abort raced a channel send.
func (c *CLI) pump(ctx context.Context, wait func() error, stdout io.Reader, inv *cliInvocation, req domain.InvokeRequest) {
	defer close(inv.events)

	sawTerminal := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event domain.Event
		if err := json.Unmarshal(line, &event); err != nil {
			c.logger.WarnContext(ctx, "skipping malformed engine event",
				"job_id", req.JobID,
				"error", err,
			)
			continue
		}

		if sawTerminal {
			// The stream contract allows exactly one terminal event.
			c.logger.WarnContext(ctx, "ignoring event after terminal", "job_id", req.JobID, "type", event.Type)
			continue
		}

		select {
		case inv.events <- event:
			if event.Type.Terminal() {
				sawTerminal = true
			}
		case <-ctx.Done():
			// Delivery stops here; the synthesized aborted terminal
			// below still closes the stream properly.
		}
	}

	scanErr := scanner.Err()
	waitErr := wait()

	if sawTerminal {
		return
	}

	// No terminal event arrived: synthesize one so consumers always see
	// a complete stream.
	event := domain.Event{Type: domain.EventError}
	switch {
	case ctx.Err() != nil:
		event.Err = domain.ErrAborted.Error()
	case waitErr != nil:
		event.Err = fmt.Sprintf("engine exited: %v", waitErr)
	case scanErr != nil:
		event.Err = fmt.Sprintf("engine stream: %v", scanErr)
	default:
		event.Err = "engine stream ended without a terminal event"
	}

	// Blocking send: consumers range the channel until it closes, and
	// the deferred close only runs after the terminal is delivered.
	inv.events <- event
}

var _ domain.Engine = (*CLI)(nil)
