// Package openaichat adapts the OpenAI Chat Completions wire shape (and the
// many compatible servers that speak it) onto the canonical event stream.
// Tool-call fragments arrive keyed by array index and are re-keyed to stable
// call IDs; argument deltas are forwarded as they arrive, never buffered.
package openaichat

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/llmwire/model"
)

// Options configure the Chat Completions adapter.
type Options struct {
	// Provider names the profile for error attribution and Info.
	Provider string
	// BaseURL points at the API root, e.g. "https://api.openai.com/v1".
	BaseURL string
	APIKey  string
	Headers map[string]string
	// Model is the default model identifier when the request leaves it empty.
	Model       string
	Temperature float64
	MaxTokens   int64
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Model speaks the Chat Completions streaming protocol behind model.Model.
type Model struct {
	client openai.Client
	opts   Options
}

// New builds an adapter from functional options. SDK-internal retries are
// disabled; retry policy belongs to the caller.
func New(optFns ...func(o *Options)) *Model {
	opts := Options{
		Provider:    "openai",
		Model:       openai.ChatModelGPT4oMini,
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
	return &Model{client: openai.NewClient(reqOpts...), opts: opts}
}

// Info returns metadata describing this adapter.
func (m *Model) Info() model.Info {
	return model.Info{Provider: m.opts.Provider, Shape: model.ShapeOpenAIChat, Model: m.opts.Model}
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

// aggCall tracks one tool call slot across streamed deltas. Fragments seen
// before both id and name are known are held back so open always precedes
// the first argument delta.
type aggCall struct {
	index   int64
	id      string
	name    string
	opened  bool
	pending []string
}

func (m *Model) run(ctx context.Context, params openai.ChatCompletionNewParams, req model.Request, out chan<- model.Event) {
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

	stream := m.client.Chat.Completions.NewStreaming(ctx, params, perCall...)
	defer stream.Close()

	emit := func(ev model.Event) bool { return model.Deliver(ctx, out, ev) }
	calls := map[int64]*aggCall{}
	var (
		usage      *model.Usage
		finish     model.FinishReason
		finishSeen bool
		sawCalls   bool
	)

	for stream.Next() {
		ck := stream.Current()
		if u := chunkUsage(ck); u != nil {
			usage = u
		}
		for _, choice := range ck.Choices {
			if choice.Delta.Content != "" {
				if !emit(model.TextDelta(choice.Delta.Content)) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				sawCalls = true
				ac, ok := calls[tc.Index]
				if !ok {
					ac = &aggCall{index: tc.Index}
					calls[tc.Index] = ac
				}
				if tc.ID != "" && ac.id == "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" && ac.name == "" {
					ac.name = tc.Function.Name
				}
				if !ac.opened && ac.name != "" {
					if ac.id == "" {
						ac.id = model.SynthesizeCallID(int(tc.Index))
					}
					ac.opened = true
					if !emit(model.ToolCallOpen(ac.id, ac.name)) {
						return
					}
					for _, frag := range ac.pending {
						if !emit(model.ToolCallArgDelta(ac.id, frag)) {
							return
						}
					}
					ac.pending = nil
				}
				if tc.Function.Arguments != "" {
					if ac.opened {
						if !emit(model.ToolCallArgDelta(ac.id, tc.Function.Arguments)) {
							return
						}
					} else {
						ac.pending = append(ac.pending, tc.Function.Arguments)
					}
				}
			}
			if choice.FinishReason != "" {
				finishSeen = true
				finish = mapFinish(choice.FinishReason)
				if !closeCalls(calls, emit) {
					return
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		emit(model.ErrorEvent(m.classify(err)))
		return
	}
	if usage != nil {
		if !emit(model.UsageEvent(*usage)) {
			return
		}
	}
	if !finishSeen {
		emit(model.ErrorEvent(model.Errorf(model.ErrMalformedStream,
			"provider %q: stream ended without a finish signal", m.opts.Provider)))
		return
	}
	if sawCalls {
		finish = model.FinishToolUse
	}
	emit(model.Finish(finish))
}

// closeCalls emits close events for every opened call in index order.
func closeCalls(calls map[int64]*aggCall, emit func(model.Event) bool) bool {
	ordered := make([]*aggCall, 0, len(calls))
	for _, ac := range calls {
		if ac.opened {
			ordered = append(ordered, ac)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })
	for _, ac := range ordered {
		if !emit(model.ToolCallClose(ac.id)) {
			return false
		}
		ac.opened = false
	}
	return true
}

func chunkUsage(ck openai.ChatCompletionChunk) *model.Usage {
	u := ck.Usage
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return nil
	}
	return &model.Usage{
		InputTokens:     u.PromptTokens,
		OutputTokens:    u.CompletionTokens,
		CacheReadTokens: u.PromptTokensDetails.CachedTokens,
	}
}

func mapFinish(reason string) model.FinishReason {
	switch reason {
	case "length":
		return model.FinishLength
	case "tool_calls", "function_call":
		return model.FinishToolUse
	case "content_filter":
		return model.FinishSafety
	default:
		return model.FinishStop
	}
}

func (m *Model) classify(err error) *model.Error {
	var apierr *openai.Error
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

func (m *Model) buildParams(req model.Request) openai.ChatCompletionNewParams {
	modelID := req.Model
	if modelID == "" {
		modelID = m.opts.Model
	}
	params := openai.ChatCompletionNewParams{
		Messages: buildMessages(req),
		Model:    modelID,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.ReasoningEffort != "" {
		// Reasoning models reject sampling knobs.
		params.ReasoningEffort = openai.ReasoningEffort(req.ReasoningEffort)
	} else if req.Temperature != 0 {
		params.Temperature = openai.Float(req.Temperature)
	} else {
		params.Temperature = openai.Float(m.opts.Temperature)
	}
	maxTokens := m.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params.MaxCompletionTokens = openai.Int(maxTokens)
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, tdef := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tdef.Name,
					Description: openai.String(tdef.Description),
					Parameters:  tdef.Parameters,
				},
			}
		}
		params.Tools = tools
	}
	return params
}

// buildMessages converts the transcript into chat-completions messages.
// Instructions become the leading system message.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case model.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case model.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case model.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case model.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			if msg.Content != "" {
				messages = append(messages, openai.UserMessage(msg.Content))
			}
		}
	}
	return messages
}
