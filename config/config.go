// Package config defines the YAML configuration surface: provider profiles,
// model aliases, retry tuning and the credential environment overlay.
package config

import (
	"bytes"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/llmwire/model"
)

// Provider kinds. Only chat providers participate in routing; embedding
// profiles are declared for completeness and skipped by the router.
const (
	KindChat      = "chat"
	KindEmbedding = "embedding"
)

// Config is the root configuration document.
type Config struct {
	// DefaultModel is the model reference used when a request names none.
	// It may be an alias, "provider/model", "provider" or "*".
	DefaultModel string `yaml:"default_model"`

	Providers map[string]Provider `yaml:"providers"`

	// Models maps aliases to "provider/model" references.
	Models map[string]string `yaml:"models"`

	// Env overlays credential resolution before the process environment is
	// consulted. Values from .env files merge underneath this block.
	Env map[string]string `yaml:"env"`

	Retry   Retry   `yaml:"retry"`
	Metrics Metrics `yaml:"metrics"`
}

// Provider is one routable endpoint profile.
type Provider struct {
	// API names the wire shape the endpoint speaks.
	API     string `yaml:"api"`
	BaseURL string `yaml:"base_url"`
	// APIKey is a literal credential or a $NAME reference resolved against
	// the env overlay and then the process environment.
	APIKey string `yaml:"api_key"`
	// Model is the provider-side default model id.
	Model string `yaml:"model"`
	// Weight steers wildcard selection. Valid range 0..99; nil means 1 and
	// 0 removes the profile from the pool without deleting it.
	Weight *int   `yaml:"weight"`
	Kind   string `yaml:"kind"`
	// FallbackAPI overrides the shape tried after a shape mismatch.
	FallbackAPI string            `yaml:"fallback_api"`
	Headers     map[string]string `yaml:"headers"`
}

// Retry tunes the agent loop's backoff. Delay fields are declared in
// milliseconds so the YAML stays plain integers.
type Retry struct {
	MaxAttempts      int   `yaml:"max_attempts"`
	InitialBackoffMS int64 `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int64 `yaml:"max_backoff_ms"`
}

// InitialBackoff returns the configured initial delay.
func (r Retry) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff returns the configured delay ceiling.
func (r Retry) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMS) * time.Millisecond
}

// Metrics tunes the emitter.
type Metrics struct {
	// Buffer is the channel emitter's capacity; when full, the oldest
	// pending entry is dropped.
	Buffer int `yaml:"buffer"`
}

// builtin profiles fill the blanks for well-known provider names. A custom
// provider must declare its own api.
var builtin = map[string]Provider{
	"openai": {
		API:         model.ShapeOpenAIResponses,
		BaseURL:     "https://api.openai.com/v1",
		APIKey:      "$OPENAI_API_KEY",
		Model:       "gpt-4o-mini",
		FallbackAPI: model.ShapeOpenAIChat,
	},
	"anthropic": {
		API:     model.ShapeAnthropic,
		BaseURL: "https://api.anthropic.com",
		APIKey:  "$ANTHROPIC_API_KEY",
		Model:   "claude-sonnet-4-20250514",
	},
	"bedrock": {
		API:     model.ShapeBedrockConverse,
		BaseURL: "https://bedrock-runtime.us-east-1.amazonaws.com",
		APIKey:  "$AWS_BEARER_TOKEN_BEDROCK",
		Model:   "anthropic.claude-sonnet-4-20250514-v1:0",
	},
}

var knownShapes = map[string]bool{
	model.ShapeOpenAIChat:      true,
	model.ShapeOpenAIResponses: true,
	model.ShapeAnthropic:       true,
	model.ShapeBedrockConverse: true,
}

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapError(model.ErrConfig, err, "read config file")
	}
	return Parse(data)
}

// Parse decodes a configuration document, applies defaults and validates.
// Unknown fields are rejected so typos surface at load time.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, model.WrapError(model.ErrConfig, err, "parse config")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is supplied: the
// builtin providers, wildcard routing and stock retry tuning.
func Default() *Config {
	cfg := &Config{
		Providers: map[string]Provider{
			"openai":    {},
			"anthropic": {},
			"bedrock":   {},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DefaultModel == "" {
		c.DefaultModel = "*"
	}
	if c.Providers == nil {
		c.Providers = map[string]Provider{}
	}
	for name, p := range c.Providers {
		if def, ok := builtin[name]; ok {
			if p.API == "" {
				p.API = def.API
			}
			if p.BaseURL == "" {
				p.BaseURL = def.BaseURL
			}
			if p.APIKey == "" {
				p.APIKey = def.APIKey
			}
			if p.Model == "" {
				p.Model = def.Model
			}
			if p.FallbackAPI == "" {
				p.FallbackAPI = def.FallbackAPI
			}
		}
		if p.Kind == "" {
			p.Kind = KindChat
		}
		// Responses endpoints degrade to chat-completions unless told
		// otherwise; no other shape has a default fallback.
		if p.FallbackAPI == "" && p.API == model.ShapeOpenAIResponses {
			p.FallbackAPI = model.ShapeOpenAIChat
		}
		c.Providers[name] = p
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoffMS == 0 {
		c.Retry.InitialBackoffMS = 200
	}
	if c.Retry.MaxBackoffMS == 0 {
		c.Retry.MaxBackoffMS = 2000
	}
	if c.Metrics.Buffer == 0 {
		c.Metrics.Buffer = 256
	}
}

// Validate checks provider profiles for the errors worth failing fast on.
func (c *Config) Validate() error {
	for name, p := range c.Providers {
		if p.API == "" {
			return model.Errorf(model.ErrConfig, "provider %q is missing an api", name)
		}
		if !knownShapes[p.API] {
			return model.Errorf(model.ErrConfig, "provider %q has unknown api %q", name, p.API)
		}
		if p.FallbackAPI != "" {
			if !knownShapes[p.FallbackAPI] {
				return model.Errorf(model.ErrConfig, "provider %q has unknown fallback_api %q", name, p.FallbackAPI)
			}
			if p.FallbackAPI == p.API {
				return model.Errorf(model.ErrConfig, "provider %q falls back to its own api %q", name, p.API)
			}
		}
		if w := p.EffectiveWeight(); w < 0 || w >= 100 {
			return model.Errorf(model.ErrConfig, "provider %q has invalid weight %d, expected value < 100", name, w)
		}
		if p.Kind != KindChat && p.Kind != KindEmbedding {
			return model.Errorf(model.ErrConfig, "provider %q has unknown kind %q", name, p.Kind)
		}
	}
	return nil
}

// EffectiveWeight returns the configured weight, defaulting to 1.
func (p Provider) EffectiveWeight() int {
	if p.Weight == nil {
		return 1
	}
	return *p.Weight
}
