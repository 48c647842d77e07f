package data

import "time"

// TimeProvider abstracts the clock so timestamps and retention cutoffs
// can be pinned in tests.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider is the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (*RealTimeProvider) Now() time.Time {
	return time.Now()
}

// FixedTimeProvider returns a pinned instant.
type FixedTimeProvider struct {
	now time.Time
}

// NewFixedTimeProvider pins the clock to t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{now: t}
}

// Now returns the pinned time.
func (f *FixedTimeProvider) Now() time.Time {
	return f.now
}

// Advance moves the pinned clock forward.
func (f *FixedTimeProvider) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}
