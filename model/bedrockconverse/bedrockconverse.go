// Package bedrockconverse adapts the Bedrock Converse wire shape onto the
// canonical event stream. Converse answers with a single JSON document
// rather than a delta stream, so the adapter synthesizes events from the
// completed message: one text delta per text block and an
// open/arg-delta/close triplet per tool-use block, in block order.
package bedrockconverse

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hupe1980/llmwire/model"
)

const defaultBaseURL = "https://bedrock-runtime.us-east-1.amazonaws.com"

// Options configure the Converse adapter.
type Options struct {
	Provider string
	BaseURL  string
	// APIKey is the Bedrock bearer token.
	APIKey      string
	Headers     map[string]string
	Model       string
	Temperature float64
	MaxTokens   int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Model speaks the Converse protocol behind model.Model.
type Model struct {
	opts   Options
	client *http.Client
}

// New builds an adapter from functional options.
func New(optFns ...func(o *Options)) *Model {
	opts := Options{
		Provider:    "bedrock",
		BaseURL:     defaultBaseURL,
		Model:       "anthropic.claude-sonnet-4-20250514-v1:0",
		Temperature: 0.7,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Model{opts: opts, client: client}
}

// Info returns metadata describing this adapter.
func (m *Model) Info() model.Info {
	return model.Info{Provider: m.opts.Provider, Shape: model.ShapeBedrockConverse, Model: m.opts.Model}
}

// Stream implements model.Model.
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan model.Event, error) {
	body, err := json.Marshal(m.buildPayload(req))
	if err != nil {
		return nil, model.WrapError(model.ErrConfig, err, "encode request payload")
	}
	out := make(chan model.Event, 32)
	go func() {
		defer close(out)
		m.run(ctx, req, body, out)
	}()
	return out, nil
}

func (m *Model) run(ctx context.Context, req model.Request, body []byte, out chan<- model.Event) {
	baseURL := m.opts.BaseURL
	if req.BaseURL != "" {
		baseURL = req.BaseURL
	}
	apiKey := m.opts.APIKey
	if req.APIKey != "" {
		apiKey = req.APIKey
	}
	modelID := req.Model
	if modelID == "" {
		modelID = m.opts.Model
	}

	// Model ids carry dots and colons; they must survive the path.
	endpoint := strings.TrimRight(baseURL, "/") + "/model/" + url.PathEscape(modelID) + "/converse"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		model.Deliver(ctx, out, model.ErrorEvent(model.WrapError(model.ErrConfig, err, "build request")))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range m.opts.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		e := model.WrapError(model.Classify(err), err, err.Error())
		e.Provider = m.opts.Provider
		model.Deliver(ctx, out, model.ErrorEvent(e))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		model.Deliver(ctx, out, model.ErrorEvent(model.FromResponse(m.opts.Provider, resp, errBody)))
		return
	}

	var cr converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		model.Deliver(ctx, out, model.ErrorEvent(model.Errorf(model.ErrMalformedStream,
			"provider %q: invalid converse payload: %v", m.opts.Provider, err)))
		return
	}
	m.emit(ctx, cr, out)
}

// emit synthesizes the canonical sequence from a completed converse reply.
func (m *Model) emit(ctx context.Context, cr converseResponse, out chan<- model.Event) {
	emit := func(ev model.Event) bool { return model.Deliver(ctx, out, ev) }
	sawCalls := false
	callIndex := 0
	for _, block := range cr.Output.Message.Content {
		switch {
		case block.Text != "":
			if !emit(model.TextDelta(block.Text)) {
				return
			}
		case block.ReasoningContent != nil && block.ReasoningContent.ReasoningText != nil:
			if text := block.ReasoningContent.ReasoningText.Text; text != "" {
				if !emit(model.ReasoningDelta(text)) {
					return
				}
			}
		case block.ToolUse != nil:
			sawCalls = true
			id := block.ToolUse.ToolUseID
			if id == "" {
				id = model.SynthesizeCallID(callIndex)
			}
			callIndex++
			if !emit(model.ToolCallOpen(id, block.ToolUse.Name)) {
				return
			}
			if !emit(model.ToolCallArgDelta(id, toolInputJSON(block.ToolUse.Input))) {
				return
			}
			if !emit(model.ToolCallClose(id)) {
				return
			}
		}
	}

	if !emit(model.UsageEvent(model.Usage{
		InputTokens:      cr.Usage.InputTokens,
		OutputTokens:     cr.Usage.OutputTokens,
		CacheReadTokens:  cr.Usage.CacheReadInputTokens,
		CacheWriteTokens: cr.Usage.CacheWriteInputTokens,
	})) {
		return
	}

	finish := mapStopReason(cr.StopReason)
	if sawCalls {
		finish = model.FinishToolUse
	}
	emit(model.Finish(finish))
}

func toolInputJSON(input json.RawMessage) string {
	trimmed := strings.TrimSpace(string(input))
	if trimmed == "" || trimmed == "null" {
		return "{}"
	}
	return trimmed
}

func mapStopReason(reason string) model.FinishReason {
	switch reason {
	case "max_tokens", "model_context_window_exceeded":
		return model.FinishLength
	case "tool_use":
		return model.FinishToolUse
	case "content_filtered", "guardrail_intervened":
		return model.FinishSafety
	default:
		// end_turn, stop_sequence
		return model.FinishStop
	}
}

type converseRequest struct {
	Messages        []converseMessage `json:"messages"`
	System          []systemBlock     `json:"system,omitempty"`
	InferenceConfig *inferenceConfig  `json:"inferenceConfig,omitempty"`
	ToolConfig      *toolConfig       `json:"toolConfig,omitempty"`
}

type systemBlock struct {
	Text string `json:"text"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Text             string            `json:"text,omitempty"`
	ToolUse          *toolUseBlock     `json:"toolUse,omitempty"`
	ToolResult       *toolResultBlock  `json:"toolResult,omitempty"`
	ReasoningContent *reasoningContent `json:"reasoningContent,omitempty"`
}

type toolUseBlock struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type toolResultBlock struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []toolResultContent `json:"content"`
	Status    string              `json:"status,omitempty"`
}

type toolResultContent struct {
	Text string `json:"text"`
}

type reasoningContent struct {
	ReasoningText *reasoningText `json:"reasoningText,omitempty"`
}

type reasoningText struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

type inferenceConfig struct {
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type toolConfig struct {
	Tools []toolEntry `json:"tools"`
}

type toolEntry struct {
	ToolSpec toolSpec `json:"toolSpec"`
}

type toolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	JSON map[string]any `json:"json"`
}

type converseResponse struct {
	Output struct {
		Message converseMessage `json:"message"`
	} `json:"output"`
	StopReason string `json:"stopReason"`
	Usage      struct {
		InputTokens           int64 `json:"inputTokens"`
		OutputTokens          int64 `json:"outputTokens"`
		CacheReadInputTokens  int64 `json:"cacheReadInputTokens"`
		CacheWriteInputTokens int64 `json:"cacheWriteInputTokens"`
	} `json:"usage"`
}

func (m *Model) buildPayload(req model.Request) converseRequest {
	cr := converseRequest{
		Messages: buildMessages(req.Messages),
	}
	if req.Instructions != "" {
		cr.System = []systemBlock{{Text: req.Instructions}}
	}
	cfg := &inferenceConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxTokens = req.MaxTokens
	} else if m.opts.MaxTokens > 0 {
		cfg.MaxTokens = m.opts.MaxTokens
	}
	temp := m.opts.Temperature
	if req.Temperature != 0 {
		temp = req.Temperature
	}
	if temp != 0 {
		cfg.Temperature = &temp
	}
	if cfg.MaxTokens > 0 || cfg.Temperature != nil {
		cr.InferenceConfig = cfg
	}
	if len(req.Tools) > 0 {
		tc := &toolConfig{}
		for _, tdef := range req.Tools {
			params := tdef.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tc.Tools = append(tc.Tools, toolEntry{ToolSpec: toolSpec{
				Name:        tdef.Name,
				Description: tdef.Description,
				InputSchema: inputSchema{JSON: params},
			}})
		}
		cr.ToolConfig = tc
	}
	return cr
}

// buildMessages converts the transcript to converse turns. System messages
// fold into the system slot upstream; tool results ride on user turns,
// consecutive results sharing one turn.
func buildMessages(msgs []model.Message) []converseMessage {
	var (
		messages    []converseMessage
		pendingTool []contentBlock
	)
	flushTool := func() {
		if len(pendingTool) > 0 {
			messages = append(messages, converseMessage{Role: "user", Content: pendingTool})
			pendingTool = nil
		}
	}
	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleTool:
			status := "success"
			if msg.IsError {
				status = "error"
			}
			pendingTool = append(pendingTool, contentBlock{ToolResult: &toolResultBlock{
				ToolUseID: msg.ToolCallID,
				Content:   []toolResultContent{{Text: msg.Content}},
				Status:    status,
			}})
			continue
		case model.RoleAssistant:
			flushTool()
			var blocks []contentBlock
			if msg.Content != "" {
				blocks = append(blocks, contentBlock{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, contentBlock{ToolUse: &toolUseBlock{
					ToolUseID: tc.ID,
					Name:      tc.Name,
					Input:     input,
				}})
			}
			if len(blocks) > 0 {
				messages = append(messages, converseMessage{Role: "assistant", Content: blocks})
			}
		case model.RoleSystem:
			// Folded into the system slot by the caller; skip here.
			flushTool()
		default:
			flushTool()
			if msg.Content != "" {
				messages = append(messages, converseMessage{
					Role:    "user",
					Content: []contentBlock{{Text: msg.Content}},
				})
			}
		}
	}
	flushTool()
	return messages
}
