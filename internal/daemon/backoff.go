package daemon

import "time"

// backoff computes retry delays that double from base up to max.
//
// Not safe for concurrent use; the daemon only touches it from its run loop.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

// Next returns the delay before the next attempt and advances the counter.
func (b *backoff) Next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.attempt++
	return d
}

// Reset starts the sequence over after a success.
func (b *backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays have been handed out since the last reset.
func (b *backoff) Attempts() int {
	return b.attempt
}
