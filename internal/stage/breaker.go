package stage

import (
	"sync"
	"time"
)

// breaker is a per-backend circuit breaker. After threshold consecutive
// unavailability failures the breaker opens for resetTimeout, then allows
// one probe (half-open) before closing again on success.
type breaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func newBreaker(threshold int, resetTimeout time.Duration) *breaker {
	return &breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
	}
}

// Allow reports whether a call may proceed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen {
		if time.Since(b.lastFailure) > b.resetTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success resets the breaker to closed.
func (b *breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.state = breakerClosed
}

// Failure records an unavailability failure, opening the breaker at the
// threshold or on a failed half-open probe.
func (b *breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()

	if b.state == breakerHalfOpen || b.failureCount >= b.threshold {
		b.state = breakerOpen
	}
}
