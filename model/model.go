package model

import (
	"context"
	"sync"
	"time"
)

// Request captures the normalized input an adapter translates onto the wire.
type Request struct {
	// Provider is the resolved provider name, carried for logging and
	// error attribution.
	Provider string `json:"provider,omitempty"`
	// Model is the provider-side model identifier.
	Model string `json:"model"`
	// BaseURL overrides the provider endpoint.
	BaseURL string `json:"base_url,omitempty"`
	// APIKey is the resolved credential. Never a $NAME reference; the
	// router resolves indirection before any adapter sees the request.
	APIKey string `json:"-"`
	// Headers are extra HTTP headers sent verbatim.
	Headers map[string]string `json:"headers,omitempty"`

	Instructions string           `json:"instructions,omitempty"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`

	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	// ReasoningEffort requests extended thinking where the shape supports
	// it ("low", "medium", "high").
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// Wire shape identifiers. A shape names the streaming protocol family an
// endpoint speaks, independent of who hosts it.
const (
	ShapeOpenAIChat      = "openai-chat"
	ShapeOpenAIResponses = "openai-responses"
	ShapeAnthropic       = "anthropic-messages"
	ShapeBedrockConverse = "bedrock-converse"
)

// Info contains metadata about a model implementation.
type Info struct {
	Provider string `json:"provider"`
	// Shape names the wire family the adapter speaks, e.g. "openai-chat".
	Shape string `json:"shape"`
	Model string `json:"model"`
}

// Model is the adapter contract every wire family implements. Stream returns
// an error for failures detected before any request is issued (bad
// configuration, unreachable transport setup); failures after that arrive as
// a terminal Error event on the channel. The channel is closed after the
// terminal event.
type Model interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)

	// Info returns information about the model implementation.
	Info() Info
}

// Deliver sends an event unless the context is cancelled first. Adapters
// emit through it so an abandoned reader can never strand a stream
// goroutine behind a full channel.
func Deliver(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// script is one queued MockModel response.
type script struct {
	events   []Event
	preErr   error
	interval time.Duration
}

// MockModel is a scripted in-memory Model for tests and examples. Each call
// to Stream consumes the next queued script in FIFO order and records the
// request it received.
type MockModel struct {
	mu       sync.Mutex
	info     Info
	scripts  []script
	requests []Request
	calls    int
}

// NewMockModel constructs a MockModel reporting the given provider name.
func NewMockModel(provider string) *MockModel {
	return &MockModel{info: Info{Provider: provider, Shape: "mock"}}
}

// EnqueueScript queues a sequence of events to play on the next Stream call.
func (m *MockModel) EnqueueScript(events ...Event) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, script{events: events})
	return m
}

// EnqueueSlowScript queues events played with a fixed pause before each one,
// useful for exercising cancellation mid-stream.
func (m *MockModel) EnqueueSlowScript(interval time.Duration, events ...Event) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, script{events: events, interval: interval})
	return m
}

// EnqueueError queues a pre-flight failure: the next Stream call returns err
// without producing a channel.
func (m *MockModel) EnqueueError(err error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, script{preErr: err})
	return m
}

// Requests returns a copy of every request Stream has received.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls reports how many times Stream has been invoked.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Stream implements Model by replaying the next queued script.
func (m *MockModel) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	if len(m.scripts) == 0 {
		m.mu.Unlock()
		return nil, Errorf(ErrConfig, "mock model %q: no script queued for call %d", m.info.Provider, m.calls)
	}
	s := m.scripts[0]
	m.scripts = m.scripts[1:]
	m.mu.Unlock()

	if s.preErr != nil {
		return nil, s.preErr
	}

	// Buffered so an abandoned reader never strands the goroutine.
	ch := make(chan Event, len(s.events)+1)
	go func() {
		defer close(ch)
		for _, ev := range s.events {
			if s.interval > 0 {
				select {
				case <-ctx.Done():
					ch <- ErrorEvent(Errorf(ErrAborted, "stream cancelled: %v", ctx.Err()))
					return
				case <-time.After(s.interval):
				}
			}
			select {
			case <-ctx.Done():
				ch <- ErrorEvent(Errorf(ErrAborted, "stream cancelled: %v", ctx.Err()))
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
