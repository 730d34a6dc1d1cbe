package anthropicmsg

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/llmwire/internal/wiretest"
	"github.com/hupe1980/llmwire/model"
)

func testModel(srv *wiretest.Server) *Model {
	return New(func(o *Options) {
		o.Provider = "test"
		o.BaseURL = srv.URL()
		o.APIKey = "test-key"
		o.Model = "claude-sonnet-4-20250514"
	})
}

const textBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","stop_reason":null,"usage":{"input_tokens":25,"output_tokens":1}}}

event: ping
data: {"type":"ping"}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Reading the question"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"c2ln"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":12}}

event: message_stop
data: {"type":"message_stop"}

`

const toolBody = `event: message_start
data: {"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","stop_reason":null,"usage":{"input_tokens":40,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Opening the file."}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"read_file","input":{}}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"pa"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"th\":\"a."}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"txt\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":31}}

event: message_stop
data: {"type":"message_stop"}

`

func TestStreamTextAndThinking(t *testing.T) {
	srv := wiretest.NewServer(t, wiretest.SSEResponse(textBody))
	m := testModel(srv)

	ch, err := m.Stream(context.Background(), model.Request{
		Messages: []model.Message{model.UserMessage("hi")},
	})
	require.NoError(t, err)

	events := wiretest.Collect(t, ch)
	assert.Equal(t, []string{
		"reasoning(Reading the question)",
		"text(Hel)",
		"text(lo)",
		"usage(in=25 out=12)",
		"finish(stop)",
	}, wiretest.Render(events))

	req := srv.LastRequest()
	assert.Equal(t, "/v1/messages", req.Path)
	assert.Equal(t, "test-key", req.Header.Get("X-Api-Key"))
}

func TestStreamToolUse(t *testing.T) {
	srv := wiretest.NewServer(t, wiretest.SSEResponse(toolBody))
	m := testModel(srv)

	ch, err := m.Stream(context.Background(), model.Request{
		Messages: []model.Message{model.UserMessage("read a.txt")},
	})
	require.NoError(t, err)

	events := wiretest.Collect(t, ch)
	assert.Equal(t, []string{
		"text(Opening the file.)",
		"open(toolu_01 read_file)",
		`arg(toolu_01 {"pa)`,
		`arg(toolu_01 th":"a.)`,
		`arg(toolu_01 txt"})`,
		"close(toolu_01)",
		"usage(in=40 out=31)",
		"finish(tool_use)",
	}, wiretest.Render(events))
	assert.Equal(t, `{"path":"a.txt"}`, wiretest.Args(events, "toolu_01"))
}

func TestChunkBoundaryIndependence(t *testing.T) {
	var want []string
	for _, size := range []int{0, 3, 11} {
		srv := wiretest.NewServer(t, wiretest.Response{
			Status:      200,
			ContentType: "text/event-stream",
			Body:        toolBody,
			ChunkSize:   size,
		})
		m := testModel(srv)

		ch, err := m.Stream(context.Background(), model.Request{
			Messages: []model.Message{model.UserMessage("go")},
		})
		require.NoError(t, err)
		got := wiretest.Render(wiretest.Collect(t, ch))

		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want, got, "chunk size %d changed the event sequence", size)
	}
}

func TestAuthErrorClassified(t *testing.T) {
	srv := wiretest.NewServer(t, wiretest.ErrorResponse(401,
		`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	m := testModel(srv)

	ch, err := m.Stream(context.Background(), model.Request{
		Messages: []model.Message{model.UserMessage("hi")},
	})
	require.NoError(t, err)

	events := wiretest.Collect(t, ch)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, model.EventError, last.Kind)
	assert.Equal(t, model.ErrAuth, last.Err.Kind)
	assert.Len(t, srv.Requests(), 1)
}

func TestStreamEndsWithoutStopReason(t *testing.T) {
	truncated := `event: message_start
data: {"type":"message_start","message":{"id":"msg_3","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","stop_reason":null,"usage":{"input_tokens":5,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}

`
	srv := wiretest.NewServer(t, wiretest.SSEResponse(truncated))
	m := testModel(srv)

	ch, err := m.Stream(context.Background(), model.Request{
		Messages: []model.Message{model.UserMessage("hi")},
	})
	require.NoError(t, err)

	events := wiretest.Collect(t, ch)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, model.EventError, last.Kind)
	assert.Equal(t, model.ErrMalformedStream, last.Err.Kind)
}

func TestRequestPayload(t *testing.T) {
	srv := wiretest.NewServer(t, wiretest.SSEResponse(textBody))
	m := testModel(srv)

	ch, err := m.Stream(context.Background(), model.Request{
		Model:        "claude-sonnet-4-20250514",
		Instructions: "You are terse.",
		Messages: []model.Message{
			model.UserMessage("read it"),
			model.AssistantMessage("", model.ToolCall{ID: "toolu_01", Name: "read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)}),
			model.ToolResultMessage("toolu_01", "contents", false),
		},
		Tools: []model.ToolDefinition{{
			Name:        "read_file",
			Description: "Read a file",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []any{"path"},
			},
		}},
		MaxTokens: 800,
	})
	require.NoError(t, err)
	wiretest.Collect(t, ch)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(srv.LastRequest().Body, &payload))

	assert.Equal(t, "claude-sonnet-4-20250514", payload["model"])
	assert.Equal(t, float64(800), payload["max_tokens"])
	assert.Equal(t, true, payload["stream"])

	system, _ := payload["system"].([]any)
	require.Len(t, system, 1)

	msgs, _ := payload["messages"].([]any)
	require.Len(t, msgs, 3)
	roles := make([]string, 0, len(msgs))
	for _, raw := range msgs {
		msg, _ := raw.(map[string]any)
		roles = append(roles, msg["role"].(string))
	}
	// Tool results ride on a user turn in this wire shape.
	assert.Equal(t, []string{"user", "assistant", "user"}, roles)

	lastMsg, _ := msgs[2].(map[string]any)
	blocks, _ := lastMsg["content"].([]any)
	require.Len(t, blocks, 1)
	block, _ := blocks[0].(map[string]any)
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "toolu_01", block["tool_use_id"])

	tools, _ := payload["tools"].([]any)
	require.Len(t, tools, 1)
	tool, _ := tools[0].(map[string]any)
	assert.Equal(t, "read_file", tool["name"])
}
