package job

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeasePolicy normalises the lease durations workers request when
// reserving jobs and extending heartbeats. The queue stores leases with
// second granularity, so every duration resolves to a whole number of
// seconds with a one second floor.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// LeaseDecision is the resolved lease for one reservation or heartbeat.
type LeaseDecision struct {
	Seconds   int
	Requested time.Duration

	clamped bool
}

// Clamped reports whether the requested duration was forced onto the
// supported range.
func (d LeaseDecision) Clamped() bool {
	return d.clamped
}

// Resolve normalises the requested duration. Zero falls back to the
// default lease; negative and sub-second requests clamp to one second.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}

	lease := request
	if request == 0 {
		lease = p.defaultLease
	}

	switch seconds := int64(lease / time.Second); {
	case seconds < 1:
		decision.Seconds = 1
		decision.clamped = request != 0
	case seconds > math.MaxInt32:
		decision.Seconds = math.MaxInt32
		decision.clamped = true
	default:
		decision.Seconds = int(seconds)
	}
	return decision
}
