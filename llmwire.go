// Package llmwire provides a high-level façade over the routing, streaming
// and turn-loop layers, enabling resilient provider-agnostic conversations
// with a few lines of setup. Most applications interact with this package by:
//  1. Creating a Client via New() (optionally supplying a configuration,
//     a tool registry and durable session storage)
//  2. Running turns synchronously (Chat) or asynchronously (BeginTurn)
//  3. Steering a running turn (Steer) or queueing follow-up work (FollowUp)
//
// The façade delegates turn orchestration to agent.Loop and reference
// resolution to router.Router while keeping setup ergonomics concise. All
// defaults are safe for local development and testing; production
// deployments typically supply a durable session store, a structured logger
// and a metrics emitter.
package llmwire

import (
	"context"
	"time"

	"github.com/hupe1980/llmwire/agent"
	"github.com/hupe1980/llmwire/config"
	"github.com/hupe1980/llmwire/logging"
	"github.com/hupe1980/llmwire/metrics"
	"github.com/hupe1980/llmwire/model"
	"github.com/hupe1980/llmwire/router"
	"github.com/hupe1980/llmwire/session"
	"github.com/hupe1980/llmwire/tool"
)

// Options configures the Client instance.
type Options struct {
	// Config is the routing configuration, usually built by config.Load,
	// config.Parse or config.Default. Nil selects the built-in defaults.
	Config *config.Config

	// EnvFiles lists dotenv files merged into the credential overlay in
	// ascending precedence (later files win). Missing files are skipped.
	// Nil selects ".env" then ".env.local"; an empty slice disables file
	// reading.
	EnvFiles []string

	// Tools is the registry advertised to models. Defaults to an empty
	// registry; RegisterTool adds tools after construction.
	Tools *tool.Registry

	// Store holds session transcripts and the steering and follow-up
	// queues (defaults to an in-memory implementation).
	Store session.Store

	// Registry overrides the shape registry, for private gateways that
	// speak their own wire dialect. Defaults to the built-in shapes.
	Registry *router.Registry

	// Emitter receives turn metrics. Defaults to a buffered channel
	// emitter when the configuration requests one, otherwise a no-op.
	Emitter metrics.Emitter

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// MaxToolRounds caps tool dispatch rounds per turn. Zero means the
	// loop default.
	MaxToolRounds int

	// AttemptTimeout bounds a single provider attempt. Zero disables the
	// per-attempt deadline.
	AttemptTimeout time.Duration

	// EventBuffer sets the turn event channel capacity.
	EventBuffer int
}

// TurnOptions tunes a single turn started through the façade.
type TurnOptions struct {
	// Model is the model reference to route: an alias, "provider/model",
	// a bare provider name or "*". Empty uses the configured default.
	Model string

	// Instructions is the system prompt for this turn.
	Instructions string

	MaxTokens       int
	Temperature     float64
	ReasoningEffort string
}

// Client is the high-level façade aggregating the router, the tool registry
// and the session services behind a conversational API.
type Client struct {
	opts    Options
	cfg     *config.Config
	router  *router.Router
	tools   *tool.Registry
	store   session.Store
	emitter metrics.Emitter
	channel *metrics.ChannelEmitter
	logger  logging.Logger
	retry   agent.RetryPolicy
}

// New creates a Client with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) (*Client, error) {
	opts := Options{
		Tools:  tool.NewRegistry(),
		Store:  session.NewInMemoryStore(),
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:    opts,
		cfg:     cfg,
		tools:   opts.Tools,
		store:   opts.Store,
		emitter: opts.Emitter,
		logger:  opts.Logger,
		retry:   agent.PolicyFromConfig(cfg.Retry),
	}
	if c.emitter == nil {
		if cfg.Metrics.Buffer > 0 {
			c.channel = metrics.NewChannelEmitter(cfg.Metrics.Buffer)
			c.emitter = c.channel
		} else {
			c.emitter = metrics.NopEmitter{}
		}
	}

	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env", ".env.local"}
	}
	overlay := cfg.MergeEnv(config.ReadEnvFiles(envFiles...))
	c.router = router.New(cfg, func(o *router.Options) {
		o.Overlay = overlay
		o.Logger = c.logger
		if opts.Registry != nil {
			o.Registry = opts.Registry
		}
	})

	return c, nil
}

// RegisterTool adds a tool to the underlying registry.
func (c *Client) RegisterTool(t tool.Tool) error { return c.tools.Register(t) }

// Metrics exposes the built-in channel emitter's stream, or nil when a
// custom emitter was supplied or metrics are disabled.
func (c *Client) Metrics() <-chan metrics.Event {
	if c.channel == nil {
		return nil
	}
	return c.channel.Events()
}

// Resolve maps a model reference to its route without starting a turn,
// useful for validating configuration at startup.
func (c *Client) Resolve(ref string) (*router.Route, error) {
	return c.router.Resolve(ref)
}

// Chat runs one synchronous turn in the named session: the text becomes a
// user message, the session history is replayed, and everything the turn
// produces is appended back to the session.
func (c *Client) Chat(ctx context.Context, sessionID, text string, optFns ...func(o *TurnOptions)) (agent.TurnResult, error) {
	loop, messages, err := c.prepare(sessionID, text, optFns...)
	if err != nil {
		return agent.TurnResult{}, err
	}

	result, err := loop.Run(ctx, messages, c.turnOptions(optFns...))
	if aerr := c.store.Append(sessionID, result.Messages...); aerr != nil {
		c.logger.Error("session append failed", "session_id", sessionID, "error", aerr)
	}
	return result, err
}

// BeginTurn starts an asynchronous turn in the named session and returns its
// handle. Canonical events arrive on handle.Events(); the turn's messages
// are appended to the session once the turn reaches a terminal state.
func (c *Client) BeginTurn(ctx context.Context, sessionID, text string, optFns ...func(o *TurnOptions)) (*agent.TurnHandle, error) {
	loop, messages, err := c.prepare(sessionID, text, optFns...)
	if err != nil {
		return nil, err
	}

	handle := loop.BeginTurn(ctx, messages, c.turnOptions(optFns...))
	go func() {
		<-handle.Done()
		result := handle.Result()
		if aerr := c.store.Append(sessionID, result.Messages...); aerr != nil {
			c.logger.Error("session append failed", "session_id", sessionID, "error", aerr)
		}
	}()
	return handle, nil
}

// Steer queues a user message that preempts the running turn's remaining
// tool calls; sent mid-turn it lands before the next provider request,
// otherwise it is picked up when the next turn starts.
func (c *Client) Steer(sessionID, text string) error {
	return c.store.PushSteering(sessionID, model.UserMessage(text))
}

// FollowUp queues a user message that extends the current turn once the
// model stops calling tools, instead of starting a fresh turn.
func (c *Client) FollowUp(sessionID, text string) error {
	return c.store.PushFollowUp(sessionID, model.UserMessage(text))
}

// History returns the session transcript.
func (c *Client) History(sessionID string) ([]model.Message, error) {
	return c.store.History(sessionID)
}

// Search scans the session transcript for messages matching the query.
func (c *Client) Search(sessionID, query string, limit int) ([]session.Match, error) {
	return c.store.Search(sessionID, query, limit)
}

// prepare resolves the route, appends the user message to the session and
// assembles the loop plus the transcript for one turn.
func (c *Client) prepare(sessionID, text string, optFns ...func(o *TurnOptions)) (*agent.Loop, []model.Message, error) {
	var topts TurnOptions
	for _, fn := range optFns {
		fn(&topts)
	}

	route, err := c.router.Resolve(topts.Model)
	if err != nil {
		return nil, nil, err
	}

	history, err := c.store.History(sessionID)
	if err != nil {
		return nil, nil, err
	}

	user := model.UserMessage(text)
	if err := c.store.Append(sessionID, user); err != nil {
		return nil, nil, err
	}

	loop := agent.NewLoop(route, func(o *agent.Options) {
		o.Executor = c.tools
		o.Retry = c.retry
		o.Emitter = c.emitter
		o.Logger = c.logger
		o.MaxToolRounds = c.opts.MaxToolRounds
		o.AttemptTimeout = c.opts.AttemptTimeout
		if c.opts.EventBuffer > 0 {
			o.EventBuffer = c.opts.EventBuffer
		}
		o.Steering = c.queue(sessionID, c.store.PullSteering)
		o.FollowUp = c.queue(sessionID, c.store.PullFollowUp)
	})

	return loop, append(history, user), nil
}

// queue adapts a session pull into the loop's poll hook, logging instead of
// failing when the store errors.
func (c *Client) queue(sessionID string, pull func(string) ([]model.Message, error)) func() []model.Message {
	return func() []model.Message {
		msgs, err := pull(sessionID)
		if err != nil {
			c.logger.Error("session queue poll failed", "session_id", sessionID, "error", err)
			return nil
		}
		return msgs
	}
}

func (c *Client) turnOptions(optFns ...func(o *TurnOptions)) func(o *agent.TurnOptions) {
	var topts TurnOptions
	for _, fn := range optFns {
		fn(&topts)
	}
	return func(o *agent.TurnOptions) {
		o.Instructions = topts.Instructions
		o.MaxTokens = topts.MaxTokens
		o.Temperature = topts.Temperature
		o.ReasoningEffort = topts.ReasoningEffort
	}
}
