// Package events carries internal gateway signals over an explicit channel.
//
// Breaker transitions, health degradation and suspicious-activity signals
// are published here and consumed by the gateway monitoring loop, so
// ordering and backpressure are explicit instead of hidden behind ad hoc
// callbacks. Publishing never blocks: when the bus is full the event is
// dropped and counted. The bus is never closed, so late publishers on
// the shutdown path are always safe; consumers stop via their context.
package events

import (
	"sync/atomic"
	"time"
)

// Kind identifies the event variant.
type Kind string

const (
	KindBreakerTransition  Kind = "breaker-transition"
	KindHealthDegraded     Kind = "health-degraded"
	KindHealthRecovered    Kind = "health-recovered"
	KindSuspiciousActivity Kind = "suspicious-activity"
	KindSourceBlocked      Kind = "source-blocked"
	KindIdleTimeout        Kind = "idle-timeout"
)

// Event is one internal signal.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// BackendID is set for breaker and health events.
	BackendID string
	// From/To are set for breaker transitions.
	From string
	To   string

	// Address is set for suspicious-activity and source-blocked events.
	Address string
	// ConnectionIDs lists connections the gateway should close.
	ConnectionIDs []string

	Detail string
}

// Bus is a bounded fan-in channel for internal events.
type Bus struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewBus creates a bus with the given buffer capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{ch: make(chan Event, capacity)}
}

// Publish enqueues an event without blocking. Returns false if the
// bus was full and the event was dropped.
func (b *Bus) Publish(event Event) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.ch <- event:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Dropped reports how many events were discarded due to backpressure.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
