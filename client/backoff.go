package client

import "time"

// Defaults for live-stream reconnect backoff.
const (
	DefaultBackoffInitial  = 1 * time.Second
	DefaultBackoffMax      = 30 * time.Second
	DefaultBackoffAttempts = 10
)

// Backoff produces exponentially growing, capped delays with a bounded
// attempt count. Zero fields take the package defaults.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int

	attempt int
}

// Next returns the delay before the next attempt and whether another
// attempt is allowed. Delays double from Initial and never exceed Max.
func (b *Backoff) Next() (time.Duration, bool) {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	maxAttempts := b.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultBackoffAttempts
	}

	if b.attempt >= maxAttempts {
		return 0, false
	}

	delay := initial << b.attempt
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	b.attempt++
	return delay, true
}

// Reset clears the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
