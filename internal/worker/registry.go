// Package worker pulls agent jobs off the queue and executes them
// against the external engine.
package worker

import (
	"sync"

	"github.com/promptline/agentd/internal/domain/engine"
)

// registry tracks live engine invocations by job id so cancellation
// requests can reach the right execution. It is owned by the Runner.
type registry struct {
	mu   sync.Mutex
	live map[string]engine.Invocation
}

func newRegistry() *registry {
	return &registry{
		live: make(map[string]engine.Invocation),
	}
}

// add registers a live invocation for the job.
func (r *registry) add(jobID string, inv engine.Invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[jobID] = inv
}

// remove drops the invocation for the job, if any.
func (r *registry) remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, jobID)
}

// abort aborts the invocation for the job and reports whether one was live.
func (r *registry) abort(jobID string) bool {
	r.mu.Lock()
	inv, ok := r.live[jobID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	inv.Abort()
	return true
}

// abortAll aborts every live invocation. Used during shutdown so no
// engine process outlives the worker.
func (r *registry) abortAll() {
	r.mu.Lock()
	invocations := make([]engine.Invocation, 0, len(r.live))
	for _, inv := range r.live {
		invocations = append(invocations, inv)
	}
	r.mu.Unlock()

	for _, inv := range invocations {
		inv.Abort()
	}
}

// size returns the number of live invocations.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
