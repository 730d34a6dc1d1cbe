package router

import (
	"sync"

	"github.com/hupe1980/llmwire/model"
	"github.com/hupe1980/llmwire/model/anthropicmsg"
	"github.com/hupe1980/llmwire/model/bedrockconverse"
	"github.com/hupe1980/llmwire/model/openaichat"
	"github.com/hupe1980/llmwire/model/openairesponses"
)

// Profile is the construction input for one adapter: endpoint data from a
// provider profile with the credential already resolved to a literal value.
type Profile struct {
	// Name is the provider name, carried into the adapter for attribution.
	Name    string
	Shape   string
	BaseURL string
	APIKey  string
	Model   string
	Headers map[string]string
}

// Factory constructs a stream adapter from a resolved profile.
type Factory func(p Profile) model.Model

// Registry maps wire shape names to adapter factories. DefaultRegistry
// registers the built-in shapes; custom shapes can be added for private
// gateways that speak their own dialect.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds or replaces the factory for a shape.
func (r *Registry) Register(shape string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[shape] = f
}

// Build constructs an adapter for the given shape.
func (r *Registry) Build(shape string, p Profile) (model.Model, error) {
	r.mu.RLock()
	f, ok := r.factories[shape]
	r.mu.RUnlock()
	if !ok {
		return nil, model.Errorf(model.ErrConfig, "no adapter registered for shape %q", shape)
	}
	return f(p), nil
}

// DefaultRegistry returns a registry covering the built-in wire shapes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(model.ShapeOpenAIChat, func(p Profile) model.Model {
		return openaichat.New(func(o *openaichat.Options) {
			o.Provider = p.Name
			o.BaseURL = p.BaseURL
			o.APIKey = p.APIKey
			o.Headers = p.Headers
			o.Model = p.Model
		})
	})
	r.Register(model.ShapeOpenAIResponses, func(p Profile) model.Model {
		return openairesponses.New(func(o *openairesponses.Options) {
			o.Provider = p.Name
			o.BaseURL = p.BaseURL
			o.APIKey = p.APIKey
			o.Headers = p.Headers
			o.Model = p.Model
		})
	})
	r.Register(model.ShapeAnthropic, func(p Profile) model.Model {
		return anthropicmsg.New(func(o *anthropicmsg.Options) {
			o.Provider = p.Name
			o.BaseURL = p.BaseURL
			o.APIKey = p.APIKey
			o.Headers = p.Headers
			o.Model = p.Model
		})
	})
	r.Register(model.ShapeBedrockConverse, func(p Profile) model.Model {
		return bedrockconverse.New(func(o *bedrockconverse.Options) {
			o.Provider = p.Name
			o.BaseURL = p.BaseURL
			o.APIKey = p.APIKey
			o.Headers = p.Headers
			o.Model = p.Model
		})
	})
	return r
}
