package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker runs the agent job worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the job reaper for cleanup and session reconciliation.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains job worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines pulling jobs.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"5"`

	// JobLease is the duration to lease an agent job. A worker that stops
	// heartbeating loses the lease and the job is requeued.
	JobLease time.Duration `env:"WORKER_JOB_LEASE" envDefault:"30s"`

	// MaxAttempts is the default maximum delivery attempts per job.
	// The default of 1 disables automatic retries: a failed agent turn is
	// surfaced to the client rather than silently re-run.
	MaxAttempts int `env:"WORKER_MAX_ATTEMPTS" envDefault:"1"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
	if w.MaxAttempts < 1 {
		w.MaxAttempts = 1
	}
}

// RelayBackend selects the live event delivery mechanism.
type RelayBackend string

const (
	// RelayBackendPubSub publishes events on Redis pub/sub channels.
	RelayBackendPubSub RelayBackend = "pubsub"
	// RelayBackendStream fans events out through the in-process broker
	// backing the server-push stream endpoint.
	RelayBackendStream RelayBackend = "stream"
)

// RelayConfig contains event relay configuration.
type RelayConfig struct {
	// Backend selects the relay implementation: pubsub or stream.
	Backend RelayBackend `env:"RELAY_BACKEND" envDefault:"stream"`

	// HeartbeatInterval is how often the live stream emits heartbeat
	// frames to detect half-open connections.
	HeartbeatInterval time.Duration `env:"RELAY_HEARTBEAT_INTERVAL" envDefault:"15s"`

	// SubscriberBuffer is the per-subscriber event buffer. Delivery is
	// best-effort: events beyond the buffer are dropped, never queued.
	SubscriberBuffer int `env:"RELAY_SUBSCRIBER_BUFFER" envDefault:"64"`
}

// Sanitize applies guardrails to relay configuration values.
func (r *RelayConfig) Sanitize() {
	if r.Backend != RelayBackendPubSub && r.Backend != RelayBackendStream {
		r.Backend = RelayBackendStream
	}
	if r.HeartbeatInterval < time.Second {
		r.HeartbeatInterval = time.Second
	}
	if r.SubscriberBuffer < 1 {
		r.SubscriberBuffer = 1
	}
}

// EngineConfig contains external conversational engine configuration.
type EngineConfig struct {
	// Command is the engine executable invoked once per job. Empty selects
	// the scripted in-memory engine (dev/test only).
	Command string `env:"ENGINE_COMMAND" envDefault:""`

	// Args are extra arguments passed to the engine command.
	Args []string `env:"ENGINE_ARGS" envSeparator:" "`

	// InvokeTimeout bounds a single engine invocation.
	InvokeTimeout time.Duration `env:"ENGINE_INVOKE_TIMEOUT" envDefault:"10m"`
}

// Sanitize applies guardrails to engine configuration values.
func (e *EngineConfig) Sanitize() {
	if e.InvokeTimeout < 10*time.Second {
		e.InvokeTimeout = 10 * time.Second
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// PendingMaxAge is the maximum age for pending jobs before they are
	// marked as failed. Jobs stuck pending longer than this are dead.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"1h"`

	// CompletedMaxAge is the maximum age for terminal jobs before deletion.
	// Terminal jobs are retained briefly for audit, then purged.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"72h"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < time.Minute {
		r.Interval = time.Minute
	}
	if r.PendingMaxAge < 5*time.Minute {
		r.PendingMaxAge = 5 * time.Minute
	}
	if r.CompletedMaxAge < time.Hour {
		r.CompletedMaxAge = time.Hour
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
