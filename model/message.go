package model

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the conversation transcript sent to a provider.
// Adapters translate it into whatever the wire shape expects.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls holds the calls an assistant message requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-result message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IsError marks a tool result that reports an execution failure.
	IsError bool `json:"is_error,omitempty"`
}

// ToolCall is a completed tool invocation request: id, name and the
// reconstructed argument payload.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// SynthesizeCallID produces a deterministic id for wire shapes that stream
// tool calls without one.
func SynthesizeCallID(index int) string {
	return fmt.Sprintf("call_%d", index)
}

// ToolDefinition advertises a callable tool to the provider.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message carrying text and any
// tool calls the assistant issued.
func AssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResultMessage builds the tool-role reply for a single call.
func ToolResultMessage(callID, content string, isErr bool) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, IsError: isErr}
}
