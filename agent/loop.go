package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/llmwire/logging"
	"github.com/hupe1980/llmwire/metrics"
	"github.com/hupe1980/llmwire/model"
	"github.com/hupe1980/llmwire/router"
)

// ToolExecutor runs the tool calls a turn dispatches. Implementations are
// invoked strictly sequentially; call N's result is in the transcript before
// call N+1 starts.
type ToolExecutor interface {
	// Definitions lists the tools advertised to the provider.
	Definitions() []model.ToolDefinition
	// Execute runs one call and returns its textual result. A returned
	// error becomes an error tool result in the conversation, not a turn
	// failure.
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Options configures a Loop instance.
//
// Use functional options with NewLoop to override defaults.
type Options struct {
	// Executor handles tool calls. Without one, every call the model
	// issues is answered with an error result.
	Executor ToolExecutor

	// Retry governs transient-failure attempts. Overridable per turn.
	Retry RetryPolicy

	// Emitter receives request, retry, fallback, tool and turn events.
	Emitter metrics.Emitter

	Logger logging.Logger

	// Steering polls for queued user messages. It is consulted before
	// each send and after each tool result; a non-empty batch preempts
	// the remaining calls of the round.
	Steering func() []model.Message

	// FollowUp polls for messages that extend the turn once the model
	// stops calling tools. A non-empty batch triggers another round
	// instead of completing.
	FollowUp func() []model.Message

	// MaxToolRounds caps tool-dispatch rounds per turn. 0 means no cap.
	MaxToolRounds int

	// AttemptTimeout bounds a single network attempt. A timed-out attempt
	// counts as a transient failure. 0 disables the bound.
	AttemptTimeout time.Duration

	// EventBuffer sizes the handle's event channel.
	EventBuffer int
}

// TurnOptions carries per-turn overrides for BeginTurn.
type TurnOptions struct {
	// Instructions is the system prompt for this turn.
	Instructions string

	MaxTokens       int
	Temperature     float64
	ReasoningEffort string

	// Retry overrides the loop's retry policy for this turn.
	Retry *RetryPolicy
}

// Loop drives turns against a resolved route: stream the model, replay the
// canonical events, dispatch tool calls, send the results back, repeat until
// the model stops asking for tools. Transient failures are retried with
// backoff, a shape mismatch engages the route's fallback once, and Abort
// cancels cooperatively at any point.
type Loop struct {
	route *router.Route
	opts  Options
}

// NewLoop constructs a turn loop for the given route.
func NewLoop(route *router.Route, optFns ...func(o *Options)) *Loop {
	opts := Options{
		Retry:       DefaultRetryPolicy(),
		Emitter:     metrics.NopEmitter{},
		Logger:      logging.NoOpLogger{},
		EventBuffer: 64,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Loop{route: route, opts: opts}
}

// BeginTurn starts a turn over the given transcript and returns immediately.
// The handle streams the canonical events of every successful attempt and
// resolves to a TurnResult; events from retried attempts never surface.
func (l *Loop) BeginTurn(ctx context.Context, messages []model.Message, optFns ...func(o *TurnOptions)) *TurnHandle {
	var topts TurnOptions
	for _, fn := range optFns {
		fn(&topts)
	}

	retry := l.opts.Retry
	if topts.Retry != nil {
		retry = *topts.Retry
	}

	tctx, cancel := context.WithCancel(ctx)
	h := newTurnHandle(uuid.NewString(), l.opts.EventBuffer, cancel)

	t := &turn{
		loop:       l,
		handle:     h,
		opts:       topts,
		retry:      retry,
		transcript: append([]model.Message(nil), messages...),
	}
	go t.run(tctx)

	return h
}

// Run executes a turn to completion, discarding intermediate events, and
// returns the result. Use BeginTurn to consume the stream.
func (l *Loop) Run(ctx context.Context, messages []model.Message, optFns ...func(o *TurnOptions)) (TurnResult, error) {
	h := l.BeginTurn(ctx, messages, optFns...)
	for range h.Events() {
	}
	r := h.Result()
	return r, r.Err
}

// turn is the per-turn execution state. It lives on the turn goroutine;
// only the handle is shared with the caller.
type turn struct {
	loop   *Loop
	handle *TurnHandle
	opts   TurnOptions
	retry  RetryPolicy

	// transcript is the full conversation sent to the provider; produced
	// holds only the messages this turn created.
	transcript []model.Message
	produced   []model.Message

	tm     TurnMetrics
	finish model.FinishReason
}

func (t *turn) run(ctx context.Context) {
	start := time.Now()
	status, err := t.converse(ctx)
	dur := time.Since(start)

	outcome := "ok"
	switch {
	case status == StateAborted:
		outcome = string(model.ErrAborted)
	case err != nil:
		outcome = string(model.Classify(err))
	}
	t.emit(metrics.Event{Kind: metrics.KindTurn, Outcome: outcome, Duration: dur, Usage: t.tm.Usage})

	logger := t.loop.opts.Logger
	switch status {
	case StateCompleted:
		logger.Info("turn completed", "turn_id", t.handle.id, "duration", dur,
			"requests", t.tm.RequestCount, "retries", t.tm.RetryCount, "tools", t.tm.ToolCount)
	case StateAborted:
		logger.Info("turn aborted", "turn_id", t.handle.id, "duration", dur)
	default:
		logger.Error("turn failed", "turn_id", t.handle.id, "duration", dur, "error", err)
	}

	t.handle.complete(TurnResult{
		TurnID:       t.handle.id,
		Status:       status,
		FinishReason: t.finish,
		Messages:     t.produced,
		Err:          err,
		Metrics:      t.tm,
	})
}

// converse is the turn state machine: send, replay, dispatch, repeat.
func (t *turn) converse(ctx context.Context) (State, error) {
	rounds := 0
	for {
		if msgs := t.poll(t.loop.opts.Steering); len(msgs) > 0 {
			t.append(msgs...)
		}
		if ctx.Err() != nil {
			return StateAborted, nil
		}

		rec, err := t.send(ctx)
		if err != nil {
			if ctx.Err() != nil || model.Classify(err) == model.ErrAborted {
				return StateAborted, nil
			}
			return StateFailed, err
		}
		t.finish = rec.finish

		if !t.forward(ctx, rec.events) {
			return StateAborted, nil
		}
		t.append(rec.assistantMessage())

		calls := rec.toolCalls()
		if len(calls) == 0 {
			if msgs := t.poll(t.loop.opts.FollowUp); len(msgs) > 0 {
				t.append(msgs...)
				continue
			}
			return StateCompleted, nil
		}

		rounds++
		if limit := t.loop.opts.MaxToolRounds; limit > 0 && rounds > limit {
			return StateFailed, model.Errorf(model.ErrToolExecution, "tool dispatch exceeded %d rounds", limit)
		}

		t.handle.setState(StateToolDispatch)
		if t.dispatch(ctx, calls) {
			return StateAborted, nil
		}
	}
}

// send issues attempts until one succeeds or the budget is spent. A shape
// mismatch switches to the route's fallback exactly once without consuming
// an attempt; transient failures back off and retry; everything else is
// terminal.
func (t *turn) send(ctx context.Context) (*attemptRecorder, error) {
	active := t.loop.route.Primary
	shape := t.loop.route.Shape
	fallbackUsed := false
	attempt := 1

	for {
		start := time.Now()
		rec, err := t.attempt(ctx, active)
		dur := time.Since(start)
		t.tm.RequestCount++
		t.tm.RequestDuration += dur

		outcome := "ok"
		var usage model.Usage
		if err != nil {
			outcome = string(model.Classify(err))
		} else {
			usage = rec.usage
		}
		t.emit(metrics.Event{Kind: metrics.KindRequest, Shape: shape, Outcome: outcome, Duration: dur, Usage: usage})

		if err == nil {
			t.tm.Usage.Add(rec.usage)
			return rec, nil
		}
		if ctx.Err() != nil || model.Classify(err) == model.ErrAborted {
			return nil, err
		}

		kind := model.Classify(err)
		if kind == model.ErrShapeMismatch && !fallbackUsed && t.loop.route.Fallback != nil {
			fallbackUsed = true
			t.tm.FallbackCount++
			t.emit(metrics.Event{Kind: metrics.KindFallback, Shape: shape, Outcome: string(kind)})
			t.loop.opts.Logger.Warn("shape mismatch, switching to fallback shape",
				"turn_id", t.handle.id, "from", shape, "to", t.loop.route.FallbackShape)
			active = t.loop.route.Fallback
			shape = t.loop.route.FallbackShape
			continue
		}
		if !model.IsTransient(err) {
			return nil, err
		}
		if attempt >= t.retry.attempts() {
			return nil, err
		}

		delay := t.retry.BackoffFor(attempt, err)
		t.tm.RetryCount++
		t.emit(metrics.Event{Kind: metrics.KindRetry, Shape: shape, Outcome: string(kind), Duration: delay})
		t.loop.opts.Logger.Warn("transient failure, retrying",
			"turn_id", t.handle.id, "attempt", attempt, "delay", delay, "error", err)
		if !t.wait(ctx, delay) {
			return nil, model.WrapError(model.ErrAborted, ctx.Err(), "turn aborted during backoff")
		}
		attempt++
	}
}

// attempt runs one network attempt into a fresh recorder. The attempt
// context is always cancellable so an early return unblocks the adapter.
func (t *turn) attempt(ctx context.Context, m model.Model) (*attemptRecorder, error) {
	var actx context.Context
	var cancel context.CancelFunc
	if t.loop.opts.AttemptTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, t.loop.opts.AttemptTimeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	t.handle.setState(StateSending)
	ch, err := m.Stream(actx, t.request())
	if err != nil {
		return nil, err
	}
	t.handle.setState(StateStreaming)

	rec := newAttemptRecorder()
	for ev := range ch {
		if ev.Kind == model.EventError {
			return nil, t.streamErr(ctx, actx, ev.Err)
		}
		if verr := rec.record(ev); verr != nil {
			return nil, verr
		}
	}
	if werr := t.interrupted(ctx, actx); werr != nil {
		return nil, werr
	}
	if verr := rec.finalize(); verr != nil {
		return nil, verr
	}
	return rec, nil
}

// streamErr reinterprets a terminal stream error against the contexts: a
// caller abort stays aborted, an attempt-timeout cancellation becomes a
// transient network failure.
func (t *turn) streamErr(ctx, actx context.Context, werr *model.Error) error {
	if werr == nil {
		werr = model.NewError(model.ErrMalformedStream, "error event without a payload")
	}
	if ctx.Err() != nil {
		if werr.Kind == model.ErrAborted {
			return werr
		}
		return model.WrapError(model.ErrAborted, werr, "turn aborted")
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) && werr.Kind == model.ErrAborted {
		return model.WrapError(model.ErrNetwork, werr,
			fmt.Sprintf("attempt timed out after %s", t.loop.opts.AttemptTimeout))
	}
	return werr
}

// interrupted explains a stream that ended without a terminal event.
func (t *turn) interrupted(ctx, actx context.Context) error {
	if err := ctx.Err(); err != nil {
		return model.WrapError(model.ErrAborted, err, "turn aborted")
	}
	if err := actx.Err(); errors.Is(err, context.DeadlineExceeded) {
		return model.WrapError(model.ErrNetwork, err,
			fmt.Sprintf("attempt timed out after %s", t.loop.opts.AttemptTimeout))
	}
	return nil
}

// forward replays a successful attempt's buffered events onto the handle.
// Returns false when the turn was aborted before the replay finished.
func (t *turn) forward(ctx context.Context, events []model.Event) bool {
	for _, ev := range events {
		select {
		case t.handle.events <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// dispatch runs the round's tool calls strictly in order. An abort observed
// before a call skips it and everything after it without invoking the
// executor; a steering message queued mid-round likewise preempts the
// remaining calls. Skipped calls still receive error results so the
// transcript stays well formed.
func (t *turn) dispatch(ctx context.Context, calls []model.ToolCall) (aborted bool) {
	var steering []model.Message
	skip := ""
	for _, call := range calls {
		if skip == "" && ctx.Err() != nil {
			skip = "skipped: turn aborted before execution"
			aborted = true
		}
		if skip != "" {
			t.append(model.ToolResultMessage(call.ID, skip, true))
			continue
		}

		content, isErr := t.execute(ctx, call)
		t.append(model.ToolResultMessage(call.ID, content, isErr))

		if msgs := t.poll(t.loop.opts.Steering); len(msgs) > 0 {
			steering = append(steering, msgs...)
			skip = "skipped: a queued user message takes precedence"
		}
	}
	t.append(steering...)
	return aborted
}

func (t *turn) execute(ctx context.Context, call model.ToolCall) (string, bool) {
	exec := t.loop.opts.Executor
	logger := t.loop.opts.Logger
	if exec == nil {
		t.emit(metrics.Event{Kind: metrics.KindToolCall, Tool: call.Name, Outcome: string(model.ErrToolExecution)})
		return fmt.Sprintf("no executor is configured for tool %q", call.Name), true
	}

	t.tm.ToolCount++
	start := time.Now()
	content, err := exec.Execute(ctx, call.Name, call.Arguments)
	dur := time.Since(start)
	t.tm.ToolDuration += dur

	outcome := "ok"
	if err != nil {
		outcome = string(model.ErrToolExecution)
	}
	t.emit(metrics.Event{Kind: metrics.KindToolCall, Tool: call.Name, Outcome: outcome, Duration: dur})

	if err != nil {
		logger.Warn("tool call failed", "turn_id", t.handle.id, "tool", call.Name, "duration", dur, "error", err)
		return err.Error(), true
	}
	logger.Debug("tool call finished", "turn_id", t.handle.id, "tool", call.Name, "duration", dur)
	return content, false
}

func (t *turn) request() model.Request {
	var tools []model.ToolDefinition
	if t.loop.opts.Executor != nil {
		tools = t.loop.opts.Executor.Definitions()
	}
	return model.Request{
		Provider:        t.loop.route.Provider,
		Model:           t.loop.route.Model,
		Instructions:    t.opts.Instructions,
		Messages:        append([]model.Message(nil), t.transcript...),
		Tools:           tools,
		MaxTokens:       t.opts.MaxTokens,
		Temperature:     t.opts.Temperature,
		ReasoningEffort: t.opts.ReasoningEffort,
	}
}

// append records messages into both the provider transcript and the turn's
// produced set.
func (t *turn) append(msgs ...model.Message) {
	if len(msgs) == 0 {
		return
	}
	t.transcript = append(t.transcript, msgs...)
	t.produced = append(t.produced, msgs...)
}

func (t *turn) poll(source func() []model.Message) []model.Message {
	if source == nil {
		return nil
	}
	return source()
}

// emit stamps and forwards one metrics event.
func (t *turn) emit(e metrics.Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if e.Provider == "" {
		e.Provider = t.loop.route.Provider
	}
	if e.Model == "" {
		e.Model = t.loop.route.Model
	}
	t.loop.opts.Emitter.Emit(e)
}

// wait sleeps for the backoff delay unless the turn is aborted first.
func (t *turn) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
