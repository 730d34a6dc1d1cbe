package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/llmwire/metrics"
	"github.com/hupe1980/llmwire/model"
	"github.com/hupe1980/llmwire/router"
)

// MockExecutor for testing tool dispatch
type MockExecutor struct {
	mock.Mock
	defs []model.ToolDefinition
}

func NewMockExecutor(defs ...model.ToolDefinition) *MockExecutor {
	return &MockExecutor{defs: defs}
}

func (m *MockExecutor) Definitions() []model.ToolDefinition { return m.defs }

func (m *MockExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	called := m.Called(ctx, name, args)
	return called.String(0), called.Error(1)
}

func mockRoute(primary *model.MockModel) *router.Route {
	return &router.Route{Provider: "mock", Model: "test-model", Shape: "mock", Primary: primary}
}

func textScript(text string) []model.Event {
	return []model.Event{
		model.TextDelta(text),
		model.UsageEvent(model.Usage{InputTokens: 3, OutputTokens: 2}),
		model.Finish(model.FinishStop),
	}
}

func toolScript(id, name string, fragments ...string) []model.Event {
	events := []model.Event{model.ToolCallOpen(id, name)}
	for _, f := range fragments {
		events = append(events, model.ToolCallArgDelta(id, f))
	}
	events = append(events, model.ToolCallClose(id), model.Finish(model.FinishToolUse))
	return events
}

func fastRetry(maxAttempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: maxAttempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func TestTurnCompletesSimpleExchange(t *testing.T) {
	m := model.NewMockModel("mock").EnqueueScript(textScript("Hello!")...)
	loop := NewLoop(mockRoute(m))

	h := loop.BeginTurn(context.Background(), []model.Message{model.UserMessage("Hi")})

	var events []model.Event
	for ev := range h.Events() {
		events = append(events, ev)
	}
	r := h.Result()

	assert.Equal(t, StateCompleted, r.Status)
	assert.Equal(t, StateCompleted, h.State())
	assert.NoError(t, r.Err)
	assert.Equal(t, model.FinishStop, r.FinishReason)
	require.Len(t, r.Messages, 1)
	assert.Equal(t, model.RoleAssistant, r.Messages[0].Role)
	assert.Equal(t, "Hello!", r.Messages[0].Content)
	assert.Equal(t, "Hello!", r.Text())

	require.Len(t, events, 3)
	assert.Equal(t, model.EventTextDelta, events[0].Kind)
	assert.Equal(t, model.EventUsage, events[1].Kind)
	assert.Equal(t, model.EventFinish, events[2].Kind)

	assert.Equal(t, 1, r.Metrics.RequestCount)
	assert.Equal(t, 0, r.Metrics.RetryCount)
	assert.Equal(t, int64(3), r.Metrics.Usage.InputTokens)
	assert.Equal(t, int64(2), r.Metrics.Usage.OutputTokens)
}

func TestTurnRequestCarriesOptions(t *testing.T) {
	m := model.NewMockModel("mock").EnqueueScript(textScript("ack")...)
	loop := NewLoop(mockRoute(m))

	_, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")}, func(o *TurnOptions) {
		o.Instructions = "You are terse."
		o.MaxTokens = 256
		o.Temperature = 0.2
	})
	require.NoError(t, err)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "mock", reqs[0].Provider)
	assert.Equal(t, "test-model", reqs[0].Model)
	assert.Equal(t, "You are terse.", reqs[0].Instructions)
	assert.Equal(t, 256, reqs[0].MaxTokens)
	assert.Equal(t, 0.2, reqs[0].Temperature)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "Hi", reqs[0].Messages[0].Content)
}

func TestTurnDispatchesToolCall(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(toolScript("call_1", "read_file", `{"pa`, `th":"a.`, `txt"}`)...)
	m.EnqueueScript(textScript("The file says hi.")...)

	exec := NewMockExecutor(model.ToolDefinition{Name: "read_file"})
	exec.On("Execute", mock.Anything, "read_file", mock.Anything).Return("hi", nil)

	loop := NewLoop(mockRoute(m), func(o *Options) { o.Executor = exec })
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Read a.txt")})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, r.Status)

	// Fragments are reassembled before the executor sees them.
	exec.AssertNumberOfCalls(t, "Execute", 1)
	raw := exec.Calls[0].Arguments.Get(2).(json.RawMessage)
	assert.JSONEq(t, `{"path":"a.txt"}`, string(raw))

	require.Len(t, r.Messages, 3)
	assert.Equal(t, model.RoleAssistant, r.Messages[0].Role)
	require.Len(t, r.Messages[0].ToolCalls, 1)
	assert.Equal(t, "call_1", r.Messages[0].ToolCalls[0].ID)
	assert.Equal(t, model.RoleTool, r.Messages[1].Role)
	assert.Equal(t, "call_1", r.Messages[1].ToolCallID)
	assert.Equal(t, "hi", r.Messages[1].Content)
	assert.False(t, r.Messages[1].IsError)
	assert.Equal(t, "The file says hi.", r.Messages[2].Content)

	assert.Equal(t, 2, r.Metrics.RequestCount)
	assert.Equal(t, 1, r.Metrics.ToolCount)
	assert.Equal(t, 2, m.Calls())

	// The follow-up request carries the tool result back.
	reqs := m.Requests()
	require.Len(t, reqs, 2)
	tail := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, model.RoleTool, tail.Role)
	assert.Equal(t, "hi", tail.Content)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "read_file", reqs[0].Tools[0].Name)
}

func TestTurnRunsToolCallsSequentially(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(
		model.ToolCallOpen("a", "first"),
		model.ToolCallClose("a"),
		model.ToolCallOpen("b", "second"),
		model.ToolCallClose("b"),
		model.Finish(model.FinishToolUse),
	)
	m.EnqueueScript(textScript("done")...)

	var order []string
	exec := NewMockExecutor(model.ToolDefinition{Name: "first"}, model.ToolDefinition{Name: "second"})
	exec.On("Execute", mock.Anything, "first", mock.Anything).Run(func(mock.Arguments) { order = append(order, "first") }).Return("one", nil)
	exec.On("Execute", mock.Anything, "second", mock.Anything).Run(func(mock.Arguments) { order = append(order, "second") }).Return("two", nil)

	loop := NewLoop(mockRoute(m), func(o *Options) { o.Executor = exec })
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("go")})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, order)

	// assistant, result a, result b, assistant
	require.Len(t, r.Messages, 4)
	assert.Equal(t, "a", r.Messages[1].ToolCallID)
	assert.Equal(t, "one", r.Messages[1].Content)
	assert.Equal(t, "b", r.Messages[2].ToolCallID)
	assert.Equal(t, "two", r.Messages[2].Content)
	assert.Equal(t, 2, r.Metrics.ToolCount)
}

func TestTurnToolErrorBecomesErrorResult(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(toolScript("call_1", "read_file", `{"path":"missing.txt"}`)...)
	m.EnqueueScript(textScript("Could not read it.")...)

	exec := NewMockExecutor(model.ToolDefinition{Name: "read_file"})
	exec.On("Execute", mock.Anything, "read_file", mock.Anything).Return("", model.Errorf(model.ErrToolExecution, "open missing.txt: no such file"))

	loop := NewLoop(mockRoute(m), func(o *Options) { o.Executor = exec })
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Read it")})
	require.NoError(t, err)

	// A tool failure feeds back into the conversation instead of failing
	// the turn.
	assert.Equal(t, StateCompleted, r.Status)
	require.Len(t, r.Messages, 3)
	assert.True(t, r.Messages[1].IsError)
	assert.Contains(t, r.Messages[1].Content, "no such file")
}

func TestTurnWithoutExecutorAnswersCallsWithErrors(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(toolScript("call_1", "read_file", `{}`)...)
	m.EnqueueScript(textScript("I lack tools.")...)

	loop := NewLoop(mockRoute(m))
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Read it")})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, r.Status)
	require.Len(t, r.Messages, 3)
	assert.True(t, r.Messages[1].IsError)
	assert.Contains(t, r.Messages[1].Content, "no executor")
	assert.Equal(t, 0, r.Metrics.ToolCount)
}

func TestTurnRetriesTransientFailures(t *testing.T) {
	m := model.NewMockModel("mock")
	for i := 0; i < 3; i++ {
		m.EnqueueScript(model.TextDelta("par"), model.ErrorEvent(model.NewError(model.ErrNetwork, "connection reset")))
	}
	m.EnqueueScript(textScript("Recovered.")...)

	loop := NewLoop(mockRoute(m), func(o *Options) { o.Retry = fastRetry(4) })
	h := loop.BeginTurn(context.Background(), []model.Message{model.UserMessage("Hi")})

	var events []model.Event
	for ev := range h.Events() {
		events = append(events, ev)
	}
	r := h.Result()

	assert.Equal(t, StateCompleted, r.Status)
	assert.Equal(t, 4, m.Calls())
	assert.Equal(t, 4, r.Metrics.RequestCount)
	assert.Equal(t, 3, r.Metrics.RetryCount)

	// Failed attempts never surface: the caller sees only the winning
	// attempt's events.
	text := ""
	for _, ev := range events {
		assert.NotEqual(t, model.EventError, ev.Kind)
		if ev.Kind == model.EventTextDelta {
			text += ev.Delta
		}
	}
	assert.Equal(t, "Recovered.", text)
	require.Len(t, r.Messages, 1)
	assert.Equal(t, "Recovered.", r.Messages[0].Content)
}

func TestTurnStopsAtAttemptCeiling(t *testing.T) {
	m := model.NewMockModel("mock")
	for i := 0; i < 3; i++ {
		m.EnqueueScript(model.ErrorEvent(model.NewError(model.ErrNetwork, "connection reset")))
	}

	loop := NewLoop(mockRoute(m), func(o *Options) { o.Retry = fastRetry(3) })
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")})

	require.Error(t, err)
	assert.Equal(t, StateFailed, r.Status)
	assert.Equal(t, model.ErrNetwork, model.Classify(err))
	// The ceiling is a hard stop: no fourth attempt is issued.
	assert.Equal(t, 3, m.Calls())
	assert.Equal(t, 2, r.Metrics.RetryCount)
	assert.Empty(t, r.Messages)
}

func TestTurnFatalErrorSkipsRetry(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueError(model.NewError(model.ErrAuth, "invalid api key"))

	loop := NewLoop(mockRoute(m), func(o *Options) { o.Retry = fastRetry(5) })
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")})

	require.Error(t, err)
	assert.Equal(t, StateFailed, r.Status)
	assert.Equal(t, model.ErrAuth, model.Classify(err))
	assert.Equal(t, 1, m.Calls())
	assert.Equal(t, 0, r.Metrics.RetryCount)
}

func TestTurnFallsBackOnShapeMismatch(t *testing.T) {
	primary := model.NewMockModel("mock")
	primary.EnqueueScript(model.ErrorEvent(model.NewError(model.ErrShapeMismatch, "html instead of event stream")))
	fallback := model.NewMockModel("mock")
	fallback.EnqueueScript(textScript("Served by fallback.")...)

	route := &router.Route{
		Provider: "mock", Model: "test-model",
		Shape: model.ShapeOpenAIResponses, FallbackShape: model.ShapeOpenAIChat,
		Primary: primary, Fallback: fallback,
	}

	// MaxAttempts 1 proves the fallback does not consume the retry budget.
	loop := NewLoop(route, func(o *Options) { o.Retry = fastRetry(1) })
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")})

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, r.Status)
	assert.Equal(t, "Served by fallback.", r.Text())
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 1, fallback.Calls())
	assert.Equal(t, 1, r.Metrics.FallbackCount)
	assert.Equal(t, 0, r.Metrics.RetryCount)
	assert.Equal(t, 2, r.Metrics.RequestCount)
}

func TestTurnSecondShapeMismatchIsTerminal(t *testing.T) {
	primary := model.NewMockModel("mock")
	primary.EnqueueScript(model.ErrorEvent(model.NewError(model.ErrShapeMismatch, "html instead of event stream")))
	fallback := model.NewMockModel("mock")
	fallback.EnqueueScript(model.ErrorEvent(model.NewError(model.ErrShapeMismatch, "still html")))

	route := &router.Route{
		Provider: "mock", Model: "test-model",
		Shape: model.ShapeOpenAIResponses, FallbackShape: model.ShapeOpenAIChat,
		Primary: primary, Fallback: fallback,
	}

	loop := NewLoop(route, func(o *Options) { o.Retry = fastRetry(5) })
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")})

	require.Error(t, err)
	assert.Equal(t, StateFailed, r.Status)
	assert.Equal(t, model.ErrShapeMismatch, model.Classify(err))
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 1, fallback.Calls())
	assert.Equal(t, 1, r.Metrics.FallbackCount)
}

func TestTurnShapeMismatchWithoutFallbackFails(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(model.ErrorEvent(model.NewError(model.ErrShapeMismatch, "html instead of event stream")))

	loop := NewLoop(mockRoute(m), func(o *Options) { o.Retry = fastRetry(5) })
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")})

	require.Error(t, err)
	assert.Equal(t, StateFailed, r.Status)
	assert.Equal(t, 1, m.Calls())
	assert.Equal(t, 0, r.Metrics.FallbackCount)
}

func TestTurnFailsOnUnclosedToolCall(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(
		model.ToolCallOpen("call_1", "read_file"),
		model.ToolCallArgDelta("call_1", `{"path":"a.txt"}`),
		model.Finish(model.FinishToolUse),
	)

	loop := NewLoop(mockRoute(m))
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")})

	require.Error(t, err)
	assert.Equal(t, StateFailed, r.Status)
	assert.Equal(t, model.ErrMalformedStream, model.Classify(err))
	assert.Equal(t, 1, m.Calls())
}

func TestTurnFailsWhenStreamEndsWithoutFinish(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(model.TextDelta("partial"))

	loop := NewLoop(mockRoute(m))
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")})

	require.Error(t, err)
	assert.Equal(t, StateFailed, r.Status)
	assert.Equal(t, model.ErrMalformedStream, model.Classify(err))
}

func TestTurnAbortMidStream(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueSlowScript(20*time.Millisecond,
		model.TextDelta("thinking"),
		model.ToolCallOpen("call_1", "dangerous"),
		model.ToolCallClose("call_1"),
		model.Finish(model.FinishToolUse),
	)

	exec := NewMockExecutor(model.ToolDefinition{Name: "dangerous"})
	exec.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return("never", nil)

	loop := NewLoop(mockRoute(m), func(o *Options) { o.Executor = exec })
	h := loop.BeginTurn(context.Background(), []model.Message{model.UserMessage("Hi")})

	time.Sleep(30 * time.Millisecond)
	start := time.Now()
	h.Abort()
	h.Abort() // idempotent

	var events []model.Event
	for ev := range h.Events() {
		events = append(events, ev)
	}
	r := h.Result()

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StateAborted, r.Status)
	assert.Equal(t, StateAborted, h.State())
	assert.NoError(t, r.Err)
	// The aborted attempt never succeeded, so nothing surfaced and no
	// executor ran for the call that was still open.
	assert.Empty(t, events)
	exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)

	h.Abort() // still safe after completion
}

func TestTurnAbortDuringDispatchSkipsRemainingCalls(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(
		model.ToolCallOpen("a", "first"),
		model.ToolCallClose("a"),
		model.ToolCallOpen("b", "second"),
		model.ToolCallClose("b"),
		model.Finish(model.FinishToolUse),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := NewMockExecutor(model.ToolDefinition{Name: "first"}, model.ToolDefinition{Name: "second"})
	exec.On("Execute", mock.Anything, "first", mock.Anything).Run(func(mock.Arguments) { cancel() }).Return("one", nil)
	exec.On("Execute", mock.Anything, "second", mock.Anything).Return("two", nil)

	loop := NewLoop(mockRoute(m), func(o *Options) { o.Executor = exec })
	h := loop.BeginTurn(ctx, []model.Message{model.UserMessage("go")})
	for range h.Events() {
	}
	r := h.Result()

	assert.Equal(t, StateAborted, r.Status)
	exec.AssertNumberOfCalls(t, "Execute", 1)
	exec.AssertNotCalled(t, "Execute", mock.Anything, "second", mock.Anything)

	// The skipped call still gets an error result so the transcript stays
	// well formed.
	require.Len(t, r.Messages, 3)
	assert.Equal(t, "one", r.Messages[1].Content)
	assert.True(t, r.Messages[2].IsError)
	assert.Contains(t, r.Messages[2].Content, "aborted")
}

func TestTurnSteeringPreemptsRemainingCalls(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(
		model.ToolCallOpen("a", "first"),
		model.ToolCallClose("a"),
		model.ToolCallOpen("b", "second"),
		model.ToolCallClose("b"),
		model.Finish(model.FinishToolUse),
	)
	m.EnqueueScript(textScript("Switching to your question.")...)

	var mu sync.Mutex
	var queued []model.Message
	push := func(msg model.Message) {
		mu.Lock()
		defer mu.Unlock()
		queued = append(queued, msg)
	}
	steering := func() []model.Message {
		mu.Lock()
		defer mu.Unlock()
		out := queued
		queued = nil
		return out
	}

	exec := NewMockExecutor(model.ToolDefinition{Name: "first"}, model.ToolDefinition{Name: "second"})
	exec.On("Execute", mock.Anything, "first", mock.Anything).Run(func(mock.Arguments) {
		push(model.UserMessage("Actually, stop and answer this instead."))
	}).Return("one", nil)
	exec.On("Execute", mock.Anything, "second", mock.Anything).Return("two", nil)

	loop := NewLoop(mockRoute(m), func(o *Options) {
		o.Executor = exec
		o.Steering = steering
	})
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("go")})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, r.Status)
	exec.AssertNumberOfCalls(t, "Execute", 1)

	// assistant, result a, skipped result b, steering message, assistant
	require.Len(t, r.Messages, 5)
	assert.True(t, r.Messages[2].IsError)
	assert.Contains(t, r.Messages[2].Content, "user message")
	assert.Equal(t, model.RoleUser, r.Messages[3].Role)
	assert.Equal(t, "Actually, stop and answer this instead.", r.Messages[3].Content)

	// The next request sees the injected message.
	reqs := m.Requests()
	require.Len(t, reqs, 2)
	tail := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, model.RoleUser, tail.Role)
}

func TestTurnFollowUpExtendsTurn(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(textScript("First answer.")...)
	m.EnqueueScript(textScript("Second answer.")...)

	batches := [][]model.Message{{model.UserMessage("And one more thing.")}}
	followUp := func() []model.Message {
		if len(batches) == 0 {
			return nil
		}
		out := batches[0]
		batches = batches[1:]
		return out
	}

	loop := NewLoop(mockRoute(m), func(o *Options) { o.FollowUp = followUp })
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, r.Status)
	assert.Equal(t, 2, r.Metrics.RequestCount)
	require.Len(t, r.Messages, 3)
	assert.Equal(t, "First answer.", r.Messages[0].Content)
	assert.Equal(t, "And one more thing.", r.Messages[1].Content)
	assert.Equal(t, "Second answer.", r.Messages[2].Content)
}

func TestTurnMaxToolRoundsCapsDispatch(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(toolScript("a", "probe", `{}`)...)
	m.EnqueueScript(toolScript("b", "probe", `{}`)...)

	exec := NewMockExecutor(model.ToolDefinition{Name: "probe"})
	exec.On("Execute", mock.Anything, "probe", mock.Anything).Return("pong", nil)

	loop := NewLoop(mockRoute(m), func(o *Options) {
		o.Executor = exec
		o.MaxToolRounds = 1
	})
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("go")})

	require.Error(t, err)
	assert.Equal(t, StateFailed, r.Status)
	assert.Equal(t, model.ErrToolExecution, model.Classify(err))
	exec.AssertNumberOfCalls(t, "Execute", 1)
	assert.Equal(t, 2, m.Calls())
}

func TestTurnRetryOverridePerTurn(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(model.ErrorEvent(model.NewError(model.ErrNetwork, "connection reset")))
	m.EnqueueScript(textScript("Recovered.")...)

	loop := NewLoop(mockRoute(m), func(o *Options) { o.Retry = fastRetry(1) })

	override := fastRetry(2)
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")}, func(o *TurnOptions) {
		o.Retry = &override
	})

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, r.Status)
	assert.Equal(t, 1, r.Metrics.RetryCount)
	assert.Equal(t, 2, m.Calls())
}

func TestTurnAttemptTimeoutIsTransient(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueSlowScript(200*time.Millisecond, textScript("too slow")...)
	m.EnqueueScript(textScript("Quick this time.")...)

	loop := NewLoop(mockRoute(m), func(o *Options) {
		o.Retry = fastRetry(2)
		o.AttemptTimeout = 25 * time.Millisecond
	})
	r, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")})

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, r.Status)
	assert.Equal(t, "Quick this time.", r.Text())
	assert.Equal(t, 1, r.Metrics.RetryCount)
	assert.Equal(t, 2, m.Calls())
}

func TestTurnEmitsMetrics(t *testing.T) {
	m := model.NewMockModel("mock")
	m.EnqueueScript(model.ErrorEvent(model.NewError(model.ErrNetwork, "connection reset")))
	m.EnqueueScript(toolScript("call_1", "probe", `{}`)...)
	m.EnqueueScript(textScript("done")...)

	exec := NewMockExecutor(model.ToolDefinition{Name: "probe"})
	exec.On("Execute", mock.Anything, "probe", mock.Anything).Return("pong", nil)

	em := metrics.NewChannelEmitter(64)
	loop := NewLoop(mockRoute(m), func(o *Options) {
		o.Executor = exec
		o.Retry = fastRetry(2)
		o.Emitter = em
	})
	_, err := loop.Run(context.Background(), []model.Message{model.UserMessage("Hi")})
	require.NoError(t, err)

	// request(fail), retry, request(ok), tool_call, request(ok), turn
	counts := map[metrics.EventKind]int{}
	var turnEvent metrics.Event
	for i := 0; i < 6; i++ {
		select {
		case e := <-em.Events():
			counts[e.Kind]++
			assert.Equal(t, "mock", e.Provider)
			assert.False(t, e.At.IsZero())
			if e.Kind == metrics.KindTurn {
				turnEvent = e
			}
		case <-time.After(time.Second):
			t.Fatal("expected 6 metrics events")
		}
	}

	assert.Equal(t, 3, counts[metrics.KindRequest])
	assert.Equal(t, 1, counts[metrics.KindRetry])
	assert.Equal(t, 1, counts[metrics.KindToolCall])
	assert.Equal(t, 1, counts[metrics.KindTurn])
	assert.Equal(t, "ok", turnEvent.Outcome)
	assert.Equal(t, int64(3), turnEvent.Usage.InputTokens)
}
