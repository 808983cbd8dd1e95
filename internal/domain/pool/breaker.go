package pool

import (
	"sync"
	"time"
)

// BreakerState is the per-backend circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

// String returns the string representation of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// breaker is the per-backend circuit breaker. After threshold
// consecutive failures it opens; after openDuration it transitions to
// half-open and admits a single probe. One success closes it, one
// failure re-opens it and restarts the timer.
type breaker struct {
	threshold    int
	openDuration time.Duration
	onTransition func(from, to BreakerState)

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

func newBreaker(threshold int, openDuration time.Duration, onTransition func(from, to BreakerState)) *breaker {
	return &breaker{
		threshold:    threshold,
		openDuration: openDuration,
		onTransition: onTransition,
		state:        BreakerClosed,
	}
}

// State returns the current state, applying the open -> half-open
// timer transition lazily.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked(time.Now())
}

func (b *breaker) currentLocked(now time.Time) BreakerState {
	if b.state == BreakerOpen && now.Sub(b.openedAt) >= b.openDuration {
		b.setLocked(BreakerHalfOpen)
	}
	return b.state
}

// selectable reports whether a request could pass right now, without
// reserving the half-open probe slot.
func (b *breaker) selectable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked(time.Now()) {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		return !b.probing
	default:
		return false
	}
}

// tryAcquire reports whether a request may pass. In half-open state
// only one probe is admitted at a time; acquiring it reserves the slot
// until the outcome is recorded.
func (b *breaker) tryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked(time.Now()) {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// record feeds one request outcome into the state machine.
func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentLocked(time.Now())
	b.probing = false

	if success {
		b.consecutiveFailures = 0
		if state == BreakerHalfOpen {
			b.setLocked(BreakerClosed)
		}
		return
	}

	b.consecutiveFailures++
	switch state {
	case BreakerClosed:
		if b.consecutiveFailures >= b.threshold {
			b.openLocked()
		}
	case BreakerHalfOpen:
		b.openLocked()
	case BreakerOpen:
		// Late outcome from a request issued before the trip; the
		// timer keeps running from the original open.
	}
}

func (b *breaker) openLocked() {
	b.openedAt = time.Now()
	b.setLocked(BreakerOpen)
}

func (b *breaker) setLocked(state BreakerState) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	if state != BreakerOpen {
		b.probing = false
	}
	if b.onTransition != nil {
		b.onTransition(prev, state)
	}
}
