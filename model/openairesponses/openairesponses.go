// Package openairesponses adapts the OpenAI Responses wire shape onto the
// canonical event stream. The stream is item-based: output_item.added opens
// a message or function_call item, typed delta events reference the item,
// output_item.done closes it, and response.completed carries final usage.
// Argument deltas arrive keyed by item id and are re-keyed to the stable
// call id the conversation protocol uses.
package openairesponses

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/llmwire/model"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Options configure the Responses adapter.
type Options struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Model       string
	Temperature float64
	MaxTokens   int
	// HTTPClient overrides the transport, mainly for tests. The default
	// client carries no overall timeout; streams outlive any sane one and
	// cancellation arrives via context.
	HTTPClient *http.Client
}

// Model speaks the Responses streaming protocol behind model.Model.
type Model struct {
	opts   Options
	client *http.Client
}

// New builds an adapter from functional options.
func New(optFns ...func(o *Options)) *Model {
	opts := Options{
		Provider:    "openai",
		BaseURL:     defaultBaseURL,
		Model:       "gpt-4o-mini",
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
	return model.Info{Provider: m.opts.Provider, Shape: model.ShapeOpenAIResponses, Model: m.opts.Model}
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, "responses"), bytes.NewReader(body))
	if err != nil {
		model.Deliver(ctx, out, model.ErrorEvent(model.WrapError(model.ErrConfig, err, "build request")))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
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

	m.consume(ctx, resp.Body, out)
}

// consume decodes SSE payloads and translates the item grammar into
// canonical events.
func (m *Model) consume(ctx context.Context, r io.Reader, out chan<- model.Event) {
	dec := newSSEDecoder(r)
	emit := func(ev model.Event) bool { return model.Deliver(ctx, out, ev) }

	// Argument deltas reference the transient item id, not the call id.
	itemCalls := map[string]string{}
	var (
		usage      *model.Usage
		finish     model.FinishReason
		finishSeen bool
		sawCalls   bool
		itemIndex  int
	)

	for {
		data, err := dec.Next()
		if err != nil {
			if err != io.EOF {
				e := model.WrapError(model.Classify(err), err, err.Error())
				e.Provider = m.opts.Provider
				emit(model.ErrorEvent(e))
				return
			}
			break
		}
		if bytes.Equal(bytes.TrimSpace(data), []byte("[DONE]")) {
			break
		}

		switch gjson.GetBytes(data, "type").String() {
		case "response.output_text.delta":
			if delta := gjson.GetBytes(data, "delta").String(); delta != "" {
				if !emit(model.TextDelta(delta)) {
					return
				}
			}
		case "response.reasoning_summary_text.delta":
			if delta := gjson.GetBytes(data, "delta").String(); delta != "" {
				if !emit(model.ReasoningDelta(delta)) {
					return
				}
			}
		case "response.output_item.added":
			item := gjson.GetBytes(data, "item")
			if item.Get("type").String() != "function_call" {
				continue
			}
			callID := item.Get("call_id").String()
			if callID == "" {
				callID = model.SynthesizeCallID(itemIndex)
			}
			itemIndex++
			itemCalls[item.Get("id").String()] = callID
			sawCalls = true
			if !emit(model.ToolCallOpen(callID, item.Get("name").String())) {
				return
			}
			if args := item.Get("arguments").String(); args != "" {
				if !emit(model.ToolCallArgDelta(callID, args)) {
					return
				}
			}
		case "response.function_call_arguments.delta":
			callID, ok := itemCalls[gjson.GetBytes(data, "item_id").String()]
			if !ok {
				continue
			}
			if delta := gjson.GetBytes(data, "delta").String(); delta != "" {
				if !emit(model.ToolCallArgDelta(callID, delta)) {
					return
				}
			}
		case "response.output_item.done":
			item := gjson.GetBytes(data, "item")
			if item.Get("type").String() != "function_call" {
				continue
			}
			itemID := item.Get("id").String()
			if callID, ok := itemCalls[itemID]; ok {
				delete(itemCalls, itemID)
				if !emit(model.ToolCallClose(callID)) {
					return
				}
			}
		case "response.completed":
			usage = extractUsage(data)
			finishSeen = true
			finish = model.FinishStop
		case "response.incomplete":
			usage = extractUsage(data)
			finishSeen = true
			switch gjson.GetBytes(data, "response.incomplete_details.reason").String() {
			case "max_output_tokens":
				finish = model.FinishLength
			case "content_filter":
				finish = model.FinishSafety
			default:
				finish = model.FinishStop
			}
		case "response.failed":
			msg := gjson.GetBytes(data, "response.error.message").String()
			if msg == "" {
				msg = "response failed"
			}
			e := model.NewError(model.ErrProvider, msg)
			e.Provider = m.opts.Provider
			emit(model.ErrorEvent(e))
			return
		case "error":
			e := model.NewError(model.ErrProvider, gjson.GetBytes(data, "message").String())
			e.Provider = m.opts.Provider
			emit(model.ErrorEvent(e))
			return
		}
	}

	if err := ctx.Err(); err != nil {
		emit(model.ErrorEvent(model.WrapError(model.ErrAborted, err, "stream cancelled")))
		return
	}
	if usage != nil {
		if !emit(model.UsageEvent(*usage)) {
			return
		}
	}
	if !finishSeen {
		emit(model.ErrorEvent(model.Errorf(model.ErrMalformedStream,
			"provider %q: stream ended without response.completed", m.opts.Provider)))
		return
	}
	if sawCalls {
		finish = model.FinishToolUse
	}
	emit(model.Finish(finish))
}

func extractUsage(data []byte) *model.Usage {
	u := gjson.GetBytes(data, "response.usage")
	if !u.Exists() {
		return nil
	}
	return &model.Usage{
		InputTokens:     u.Get("input_tokens").Int(),
		OutputTokens:    u.Get("output_tokens").Int(),
		CacheReadTokens: u.Get("input_tokens_details.cached_tokens").Int(),
	}
}

// joinURL joins a base URL and path segment without doubling slashes.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

type payload struct {
	Model           string      `json:"model"`
	Input           []any       `json:"input"`
	Instructions    string      `json:"instructions,omitempty"`
	Tools           []toolParam `json:"tools,omitempty"`
	Stream          bool        `json:"stream"`
	MaxOutputTokens int         `json:"max_output_tokens,omitempty"`
	Temperature     *float64    `json:"temperature,omitempty"`
	Reasoning       *reasoning  `json:"reasoning,omitempty"`
}

type toolParam struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type reasoning struct {
	Effort string `json:"effort"`
}

type messageItem struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type functionCallItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type functionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

func (m *Model) buildPayload(req model.Request) payload {
	modelID := req.Model
	if modelID == "" {
		modelID = m.opts.Model
	}
	p := payload{
		Model:        modelID,
		Input:        buildInput(req.Messages),
		Instructions: req.Instructions,
		Stream:       true,
	}
	maxTokens := m.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	p.MaxOutputTokens = maxTokens
	if req.ReasoningEffort != "" {
		p.Reasoning = &reasoning{Effort: req.ReasoningEffort}
	} else {
		temp := m.opts.Temperature
		if req.Temperature != 0 {
			temp = req.Temperature
		}
		if temp != 0 {
			p.Temperature = &temp
		}
	}
	for _, tdef := range req.Tools {
		params := tdef.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		p.Tools = append(p.Tools, toolParam{
			Type:        "function",
			Name:        tdef.Name,
			Description: tdef.Description,
			Parameters:  params,
		})
	}
	return p
}

// buildInput flattens the transcript into Responses input items. Assistant
// tool calls and tool results become standalone items rather than message
// content.
func buildInput(msgs []model.Message) []any {
	input := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleTool:
			output := msg.Content
			if msg.IsError && output == "" {
				output = "tool execution failed"
			}
			input = append(input, functionOutputItem{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: output,
			})
		case model.RoleAssistant:
			if msg.Content != "" {
				input = append(input, messageItem{
					Role:    "assistant",
					Content: []contentPart{{Type: "output_text", Text: msg.Content}},
				})
			}
			for _, tc := range msg.ToolCalls {
				input = append(input, functionCallItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				})
			}
		case model.RoleSystem:
			input = append(input, messageItem{
				Role:    "system",
				Content: []contentPart{{Type: "input_text", Text: msg.Content}},
			})
		default:
			input = append(input, messageItem{
				Role:    string(msg.Role),
				Content: []contentPart{{Type: "input_text", Text: msg.Content}},
			})
		}
	}
	return input
}
