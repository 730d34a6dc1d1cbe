// Package anthropicmsg adapts the Anthropic Messages wire shape onto the
// canonical event stream. The wire is block-structured: content_block_start
// opens a text, thinking or tool_use block at an index, deltas reference the
// index, content_block_stop closes it. Tool blocks map one-to-one onto tool
// call open/arg/close events with the block's own call id.
package anthropicmsg

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/llmwire/model"
)

// Options configure the Messages adapter.
type Options struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Model       string
	Temperature float64
	MaxTokens   int64
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Model wraps the Anthropic Messages API behind the generic model.Model
// interface, streaming only.
type Model struct {
	client anthropic.Client
	opts   Options
}

// New builds an adapter from functional options. SDK-internal retries are
// disabled; retry policy belongs to the caller.
func New(optFns ...func(o *Options)) *Model {
	opts := Options{
		Provider:    "anthropic",
		Model:       string(anthropic.ModelClaudeSonnet4_20250514),
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	for k, v := range opts.Headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &Model{client: anthropic.NewClient(reqOpts...), opts: opts}
}

// Info returns metadata describing this adapter.
func (m *Model) Info() model.Info {
	return model.Info{Provider: m.opts.Provider, Shape: model.ShapeAnthropic, Model: m.opts.Model}
}

// Stream implements model.Model.
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan model.Event, error) {
	params := m.buildParams(req)
	out := make(chan model.Event, 32)
	go func() {
		defer close(out)
		m.run(ctx, params, req, out)
	}()
	return out, nil
}

func (m *Model) run(ctx context.Context, params anthropic.MessageNewParams, req model.Request, out chan<- model.Event) {
	var perCall []option.RequestOption
	if req.BaseURL != "" {
		perCall = append(perCall, option.WithBaseURL(req.BaseURL))
	}
	if req.APIKey != "" {
		perCall = append(perCall, option.WithAPIKey(req.APIKey))
	}
	for k, v := range req.Headers {
		perCall = append(perCall, option.WithHeader(k, v))
	}

	stream := m.client.Messages.NewStreaming(ctx, params, perCall...)
	defer stream.Close()

	emit := func(ev model.Event) bool { return model.Deliver(ctx, out, ev) }
	// Open tool blocks by wire index, so stop events can close the right call.
	toolBlocks := map[int64]string{}
	var (
		usage      model.Usage
		usageSeen  bool
		finish     model.FinishReason
		finishSeen bool
		sawCalls   bool
	)

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			usageSeen = true
			usage.InputTokens = ev.Message.Usage.InputTokens
			usage.OutputTokens = ev.Message.Usage.OutputTokens
			usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			usage.CacheWriteTokens = ev.Message.Usage.CacheCreationInputTokens
		case anthropic.ContentBlockStartEvent:
			if block, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				id := block.ID
				if id == "" {
					id = model.SynthesizeCallID(int(ev.Index))
				}
				toolBlocks[ev.Index] = id
				sawCalls = true
				if !emit(model.ToolCallOpen(id, block.Name)) {
					return
				}
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					if !emit(model.TextDelta(delta.Text)) {
						return
					}
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" {
					if !emit(model.ReasoningDelta(delta.Thinking)) {
						return
					}
				}
			case anthropic.InputJSONDelta:
				if id, ok := toolBlocks[ev.Index]; ok && delta.PartialJSON != "" {
					if !emit(model.ToolCallArgDelta(id, delta.PartialJSON)) {
						return
					}
				}
			}
		case anthropic.ContentBlockStopEvent:
			if id, ok := toolBlocks[ev.Index]; ok {
				delete(toolBlocks, ev.Index)
				if !emit(model.ToolCallClose(id)) {
					return
				}
			}
		case anthropic.MessageDeltaEvent:
			if ev.Usage.OutputTokens > 0 {
				usageSeen = true
				usage.OutputTokens = ev.Usage.OutputTokens
			}
			if ev.Delta.StopReason != "" {
				finishSeen = true
				finish = mapStopReason(string(ev.Delta.StopReason))
			}
		case anthropic.MessageStopEvent:
			// Terminal marker; bookkeeping happens after the loop.
		}
	}
	if err := stream.Err(); err != nil {
		emit(model.ErrorEvent(m.classify(err)))
		return
	}
	if usageSeen {
		if !emit(model.UsageEvent(usage)) {
			return
		}
	}
	if !finishSeen {
		emit(model.ErrorEvent(model.Errorf(model.ErrMalformedStream,
			"provider %q: stream ended without a stop reason", m.opts.Provider)))
		return
	}
	if sawCalls {
		finish = model.FinishToolUse
	}
	emit(model.Finish(finish))
}

func mapStopReason(reason string) model.FinishReason {
	switch reason {
	case "max_tokens":
		return model.FinishLength
	case "tool_use":
		return model.FinishToolUse
	case "refusal":
		return model.FinishSafety
	default:
		// end_turn, stop_sequence, pause_turn
		return model.FinishStop
	}
}

func (m *Model) classify(err error) *model.Error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		e := model.FromStatus(m.opts.Provider, apierr.StatusCode, apierr.Error())
		e.Cause = err
		if apierr.Response != nil {
			e.RetryAfter = model.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return e
	}
	e := model.WrapError(model.Classify(err), err, err.Error())
	e.Provider = m.opts.Provider
	return e
}

func (m *Model) buildParams(req model.Request) anthropic.MessageNewParams {
	modelID := req.Model
	if modelID == "" {
		modelID = m.opts.Model
	}
	maxTokens := m.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		Messages:  buildMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.ReasoningEffort != "" {
		// The API rejects temperature together with extended thinking.
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget(req.ReasoningEffort))
	} else if req.Temperature != 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	} else {
		params.Temperature = anthropic.Float(m.opts.Temperature)
	}
	if req.Instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

func thinkingBudget(effort string) int64 {
	switch effort {
	case "low":
		return 1024
	case "high":
		return 16384
	default:
		return 4096
	}
}

// buildMessages converts the transcript to Messages-API turns. System
// messages fold into the system prompt slot upstream; tool results become
// tool_result blocks on a user turn, consecutive results sharing one turn.
func buildMessages(msgs []model.Message) []anthropic.MessageParam {
	var (
		messages    []anthropic.MessageParam
		pendingTool []anthropic.ContentBlockParamUnion
	)
	flushTool := func() {
		if len(pendingTool) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pendingTool...))
			pendingTool = nil
		}
	}
	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleTool:
			pendingTool = append(pendingTool,
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
			continue
		case model.RoleAssistant:
			flushTool()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						input = string(tc.Arguments)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		case model.RoleSystem:
			// Folded into params.System by the caller; skip here.
			flushTool()
		default:
			flushTool()
			if msg.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
	}
	flushTool()
	return messages
}

func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if tool.Parameters != nil {
			if properties, ok := tool.Parameters["properties"]; ok {
				schema.Properties = properties
			}
			if required, ok := tool.Parameters["required"]; ok {
				schema.Required = toStringSlice(required)
			}
		}
		tu := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" {
			tu.OfTool.Description = anthropic.String(tool.Description)
		}
		out[i] = tu
	}
	return out
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
