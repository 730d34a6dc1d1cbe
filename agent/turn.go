package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/llmwire/model"
)

// State names the phase a turn is in. Terminal states are completed, aborted
// and failed; every turn reaches exactly one of them.
type State string

const (
	StateIdle         State = "idle"
	StateSending      State = "sending"
	StateStreaming    State = "streaming"
	StateToolDispatch State = "tool_dispatch"
	StateCompleted    State = "completed"
	StateAborted      State = "aborted"
	StateFailed       State = "failed"
)

// Terminal reports whether the state ends the turn.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// TurnMetrics aggregates the counters accumulated over one turn.
type TurnMetrics struct {
	// RequestCount is the number of network attempts issued, including
	// retried and fallback attempts.
	RequestCount int
	// RetryCount is the number of attempts re-issued after a transient
	// failure. The fallback attempt after a shape mismatch is not a retry.
	RetryCount int
	// FallbackCount is 1 when the fallback shape was engaged, else 0.
	FallbackCount int
	// ToolCount is the number of tool calls dispatched to the executor.
	ToolCount int

	RequestDuration time.Duration
	ToolDuration    time.Duration
	Usage           model.Usage
}

// TurnResult is the final outcome of a turn.
type TurnResult struct {
	TurnID string
	Status State
	// FinishReason is the last finish signal received from the provider.
	// Empty when no attempt completed.
	FinishReason model.FinishReason
	// Messages are the transcript entries produced by this turn: assistant
	// messages, tool results and any injected user messages, in order.
	Messages []model.Message
	// Err is set when Status is StateFailed. An aborted turn is not an
	// error outcome.
	Err     error
	Metrics TurnMetrics
}

// Text concatenates the assistant text of the turn's messages.
func (r TurnResult) Text() string {
	var out string
	for _, m := range r.Messages {
		if m.Role == model.RoleAssistant && m.Content != "" {
			out += m.Content
		}
	}
	return out
}

// TurnHandle is the caller's view of a running turn. Events delivers the
// canonical stream of successful attempts and is closed when the turn
// reaches a terminal state; Result blocks until then.
type TurnHandle struct {
	id     string
	events chan model.Event
	done   chan struct{}
	cancel context.CancelFunc

	state  atomic.Value // State
	result TurnResult
}

func newTurnHandle(id string, buffer int, cancel context.CancelFunc) *TurnHandle {
	h := &TurnHandle{
		id:     id,
		events: make(chan model.Event, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.state.Store(StateIdle)
	return h
}

// ID returns the turn identifier.
func (h *TurnHandle) ID() string { return h.id }

// Events returns the turn's event stream. It is closed once the turn ends,
// so ranging over it terminates.
func (h *TurnHandle) Events() <-chan model.Event { return h.events }

// State returns the turn's current phase.
func (h *TurnHandle) State() State { return h.state.Load().(State) }

// Done is closed when the turn reaches a terminal state.
func (h *TurnHandle) Done() <-chan struct{} { return h.done }

// Abort requests cooperative cancellation. Safe to call repeatedly and
// after the turn has ended. No tool executor is invoked for calls that were
// still open when the abort arrived.
func (h *TurnHandle) Abort() { h.cancel() }

// Result blocks until the turn ends and returns its outcome.
func (h *TurnHandle) Result() TurnResult {
	<-h.done
	return h.result
}

func (h *TurnHandle) setState(s State) { h.state.Store(s) }

// complete publishes the result, then closes the event stream and the done
// channel. Called exactly once, from the turn goroutine.
func (h *TurnHandle) complete(r TurnResult) {
	h.result = r
	h.state.Store(r.Status)
	close(h.events)
	close(h.done)
	h.cancel()
}
