// Package metrics publishes runtime signals from the agent loop and router
// without ever blocking the streaming hot path.
//
// Emitters accept an Event and return immediately. The bounded ChannelEmitter
// drops the oldest pending event when its buffer is full, on the theory that
// recent signals are worth more than stale ones; drops are counted and
// inspectable. The PrometheusEmitter translates events into counters and a
// latency histogram for scraping.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/llmwire/model"
)

// EventKind names a recorded signal.
type EventKind string

const (
	// KindRequest is one model call attempt, successful or not.
	KindRequest EventKind = "request"
	// KindRetry is a scheduled retry after a transient failure.
	KindRetry EventKind = "retry"
	// KindFallback is a shape fallback engagement.
	KindFallback EventKind = "fallback"
	// KindToolCall is one tool execution.
	KindToolCall EventKind = "tool_call"
	// KindTurn is a finished turn with aggregate usage.
	KindTurn EventKind = "turn"
)

// Event is one metric sample. Fields are populated per kind; unused fields
// stay zero.
type Event struct {
	Kind     EventKind
	Provider string
	Shape    string
	Model    string
	Tool     string
	// Outcome is "ok" or the error kind string.
	Outcome  string
	Duration time.Duration
	Usage    model.Usage
	At       time.Time
}

// Emitter consumes metric events. Implementations must not block; the agent
// loop calls Emit from its streaming path.
type Emitter interface {
	Emit(e Event)
}

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(Event) {}

// ChannelEmitter buffers events on a bounded channel for an external
// consumer. When the buffer is full the oldest pending event is dropped to
// make room, and the drop is counted.
type ChannelEmitter struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChannelEmitter creates an emitter with the given buffer capacity.
// Capacities below 1 are raised to 1.
func NewChannelEmitter(capacity int) *ChannelEmitter {
	if capacity < 1 {
		capacity = 1
	}
	return &ChannelEmitter{ch: make(chan Event, capacity)}
}

// Emit enqueues the event without blocking. With a full buffer the oldest
// pending event is evicted; if concurrent producers refill the buffer before
// the retry lands, the new event is dropped instead. Either way exactly one
// event is lost and counted.
func (c *ChannelEmitter) Emit(e Event) {
	select {
	case c.ch <- e:
		return
	default:
	}
	select {
	case <-c.ch:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Events returns the receive side of the buffer. The channel is never
// closed; consumers stop by abandoning it.
func (c *ChannelEmitter) Events() <-chan Event {
	return c.ch
}

// Dropped reports how many events were lost to a full buffer.
func (c *ChannelEmitter) Dropped() int64 {
	return c.dropped.Load()
}

// Multi fans an event out to several emitters.
func Multi(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}
