package model

// EventKind discriminates the canonical stream event variants.
type EventKind string

const (
	// EventTextDelta carries an incremental fragment of assistant text.
	EventTextDelta EventKind = "text_delta"
	// EventReasoningDelta carries an incremental fragment of reasoning text.
	EventReasoningDelta EventKind = "reasoning_delta"
	// EventToolCallOpen announces a tool call (id + name) before its arguments.
	EventToolCallOpen EventKind = "tool_call_open"
	// EventToolCallArgDelta carries a raw fragment of a tool call's argument
	// payload. Fragments need not be valid JSON individually; concatenating
	// every fragment between Open and Close yields the full payload.
	EventToolCallArgDelta EventKind = "tool_call_arg_delta"
	// EventToolCallClose marks a tool call's argument payload as complete.
	EventToolCallClose EventKind = "tool_call_close"
	// EventUsage reports token accounting, typically once near stream end.
	EventUsage EventKind = "usage"
	// EventFinish terminates a successful stream with a FinishReason.
	EventFinish EventKind = "finish"
	// EventError terminates a failed stream with a classified error.
	EventError EventKind = "error"
)

// FinishReason is the shared vocabulary for provider terminal signals.
type FinishReason string

const (
	// FinishStop is a natural end of turn.
	FinishStop FinishReason = "stop"
	// FinishLength is a token-limit cutoff.
	FinishLength FinishReason = "length"
	// FinishToolUse means the assistant requested tool execution.
	FinishToolUse FinishReason = "tool_use"
	// FinishSafety is a refusal or content-filter cutoff.
	FinishSafety FinishReason = "safety"
)

// Usage captures token accounting for one attempt. Cache fields stay zero for
// providers that do not report prompt caching.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64 `json:"cache_write_tokens,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// TotalTokens returns the sum of all accounted tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Event is the canonical streamed unit every adapter emits. Exactly one field
// group is populated according to Kind. Within one attempt the sequence is
// totally ordered and terminated by a single Finish or Error event.
type Event struct {
	Kind EventKind `json:"kind"`

	// Delta holds the text fragment for TextDelta and ReasoningDelta.
	Delta string `json:"delta,omitempty"`

	// ToolCallID identifies the call for Open, ArgDelta and Close events.
	// Unique within a turn.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is set on Open events only.
	ToolName string `json:"tool_name,omitempty"`
	// ArgFragment is the raw argument fragment for ArgDelta events.
	ArgFragment string `json:"arg_fragment,omitempty"`

	Usage        *Usage       `json:"usage,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Err          *Error       `json:"error,omitempty"`
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Kind == EventFinish || e.Kind == EventError
}

// TextDelta builds a text fragment event.
func TextDelta(delta string) Event {
	return Event{Kind: EventTextDelta, Delta: delta}
}

// ReasoningDelta builds a reasoning fragment event.
func ReasoningDelta(delta string) Event {
	return Event{Kind: EventReasoningDelta, Delta: delta}
}

// ToolCallOpen builds an open event for the given call id and tool name.
func ToolCallOpen(id, name string) Event {
	return Event{Kind: EventToolCallOpen, ToolCallID: id, ToolName: name}
}

// ToolCallArgDelta builds an argument fragment event for an open call.
func ToolCallArgDelta(id, fragment string) Event {
	return Event{Kind: EventToolCallArgDelta, ToolCallID: id, ArgFragment: fragment}
}

// ToolCallClose builds a close event for an open call.
func ToolCallClose(id string) Event {
	return Event{Kind: EventToolCallClose, ToolCallID: id}
}

// UsageEvent builds a usage accounting event.
func UsageEvent(u Usage) Event {
	return Event{Kind: EventUsage, Usage: &u}
}

// Finish builds the successful terminal event.
func Finish(reason FinishReason) Event {
	return Event{Kind: EventFinish, FinishReason: reason}
}

// ErrorEvent builds the failed terminal event.
func ErrorEvent(err *Error) Event {
	return Event{Kind: EventError, Err: err}
}
