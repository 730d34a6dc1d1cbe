package agent

import (
	"encoding/json"
	"strings"

	"github.com/hupe1980/llmwire/model"
)

// callRecord accumulates one tool call's argument payload between its open
// and close events.
type callRecord struct {
	id     string
	name   string
	args   strings.Builder
	closed bool
}

// attemptRecorder buffers one attempt's events and enforces the per-call
// ordering contract: open once, argument deltas only while open, close once.
// Nothing is surfaced to the caller until the attempt succeeds, so a retried
// attempt leaves no partial output behind.
type attemptRecorder struct {
	events []model.Event
	text   strings.Builder

	calls []*callRecord
	index map[string]*callRecord

	usage      model.Usage
	finish     model.FinishReason
	finishSeen bool
}

func newAttemptRecorder() *attemptRecorder {
	return &attemptRecorder{index: make(map[string]*callRecord)}
}

// record buffers ev and validates the tool-call sequence. A violation is a
// malformed-stream error and poisons the whole attempt.
func (r *attemptRecorder) record(ev model.Event) *model.Error {
	switch ev.Kind {
	case model.EventTextDelta:
		r.text.WriteString(ev.Delta)
	case model.EventToolCallOpen:
		if _, ok := r.index[ev.ToolCallID]; ok {
			return model.Errorf(model.ErrMalformedStream, "duplicate open for tool call %q", ev.ToolCallID)
		}
		rec := &callRecord{id: ev.ToolCallID, name: ev.ToolName}
		r.calls = append(r.calls, rec)
		r.index[ev.ToolCallID] = rec
	case model.EventToolCallArgDelta:
		rec, ok := r.index[ev.ToolCallID]
		if !ok {
			return model.Errorf(model.ErrMalformedStream, "argument delta for unopened tool call %q", ev.ToolCallID)
		}
		if rec.closed {
			return model.Errorf(model.ErrMalformedStream, "argument delta after close for tool call %q", ev.ToolCallID)
		}
		rec.args.WriteString(ev.ArgFragment)
	case model.EventToolCallClose:
		rec, ok := r.index[ev.ToolCallID]
		if !ok {
			return model.Errorf(model.ErrMalformedStream, "close for unopened tool call %q", ev.ToolCallID)
		}
		if rec.closed {
			return model.Errorf(model.ErrMalformedStream, "duplicate close for tool call %q", ev.ToolCallID)
		}
		rec.closed = true
	case model.EventUsage:
		if ev.Usage != nil {
			r.usage.Add(*ev.Usage)
		}
	case model.EventFinish:
		r.finish = ev.FinishReason
		r.finishSeen = true
	}
	r.events = append(r.events, ev)
	return nil
}

// finalize validates the attempt after its channel closed: a well-formed
// stream ends with a finish reason and no call still open.
func (r *attemptRecorder) finalize() *model.Error {
	if !r.finishSeen {
		return model.NewError(model.ErrMalformedStream, "stream ended without a finish reason")
	}
	for _, rec := range r.calls {
		if !rec.closed {
			return model.Errorf(model.ErrMalformedStream, "stream finished with tool call %q still open", rec.id)
		}
	}
	return nil
}

// toolCalls assembles the completed calls in open order. An empty payload
// becomes the empty JSON object so executors always receive a document.
func (r *attemptRecorder) toolCalls() []model.ToolCall {
	if len(r.calls) == 0 {
		return nil
	}
	out := make([]model.ToolCall, 0, len(r.calls))
	for _, rec := range r.calls {
		args := rec.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, model.ToolCall{ID: rec.id, Name: rec.name, Arguments: json.RawMessage(args)})
	}
	return out
}

// assistantMessage builds the transcript entry for the attempt.
func (r *attemptRecorder) assistantMessage() model.Message {
	return model.AssistantMessage(r.text.String(), r.toolCalls()...)
}
