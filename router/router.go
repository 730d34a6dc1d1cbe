// Package router resolves model references against configured provider
// profiles and constructs the matching stream adapters.
//
// A reference takes one of four forms: an alias declared in the models
// block, an explicit "provider/model" pair, a bare provider name (which uses
// the profile's default model), or "*" which picks a chat provider at random
// in proportion to the profile weights. Credential indirection is resolved
// here, before any adapter issues traffic, so a missing environment variable
// surfaces as a configuration error instead of a failed request.
package router

import (
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/hupe1980/llmwire/config"
	"github.com/hupe1980/llmwire/logging"
	"github.com/hupe1980/llmwire/model"
)

// Options configures a Router.
type Options struct {
	// Registry supplies the shape factories. Defaults to DefaultRegistry.
	Registry *Registry
	// Overlay is the credential overlay consulted before the process
	// environment, typically read from .env files.
	Overlay map[string]string
	// IntN is the selection source for weighted routing, replaceable for
	// deterministic tests. Defaults to math/rand/v2.
	IntN   func(n int) int
	Logger logging.Logger
}

// Router turns model references into ready-to-stream adapters.
type Router struct {
	cfg      *config.Config
	registry *Registry
	overlay  map[string]string
	intn     func(n int) int
	logger   logging.Logger
}

// New creates a Router over a validated configuration.
func New(cfg *config.Config, optFns ...func(o *Options)) *Router {
	opts := Options{
		Registry: DefaultRegistry(),
		IntN:     rand.IntN,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Router{
		cfg:      cfg,
		registry: opts.Registry,
		overlay:  opts.Overlay,
		intn:     opts.IntN,
		logger:   opts.Logger,
	}
}

// Route is a fully resolved routing decision: the primary adapter plus the
// optional shape fallback, both constructed with resolved credentials. The
// fallback shares the provider and model and differs only in wire shape; it
// is tried at most once per turn, after a shape mismatch.
type Route struct {
	Provider string
	Model    string
	Shape    string
	// FallbackShape is empty when the profile declares no fallback.
	FallbackShape string

	Primary  model.Model
	Fallback model.Model
}

// Resolve maps a model reference to a Route. An empty reference uses the
// configured default model.
func (r *Router) Resolve(ref string) (*Route, error) {
	if ref == "" {
		ref = r.cfg.DefaultModel
	}
	// Aliases expand exactly once; an alias chain is a config mistake, not
	// a lookup we follow.
	if target, ok := r.cfg.Models[ref]; ok {
		if _, again := r.cfg.Models[target]; again {
			return nil, model.Errorf(model.ErrConfig, "alias %q points at another alias %q", ref, target)
		}
		ref = target
	}
	if ref == "*" {
		return r.pick()
	}

	name, id, _ := strings.Cut(ref, "/")
	p, ok := r.cfg.Providers[name]
	if !ok {
		return nil, model.Errorf(model.ErrConfig, "unknown provider or alias %q", name)
	}
	if p.Kind != config.KindChat {
		return nil, model.Errorf(model.ErrConfig, "provider %q has kind %q and cannot serve chat requests", name, p.Kind)
	}
	if id == "" {
		id = p.Model
	}
	if id == "" {
		return nil, model.Errorf(model.ErrConfig, "provider %q has no default model, reference it as %s/<model>", name, name)
	}
	return r.build(name, p, id)
}

// pick draws one chat provider, weighted. Weight zero removes a profile from
// the pool without removing its explicit routability.
func (r *Router) pick() (*Route, error) {
	names := make([]string, 0, len(r.cfg.Providers))
	for name := range r.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		p := r.cfg.Providers[name]
		if p.Kind != config.KindChat {
			continue
		}
		total += p.EffectiveWeight()
	}
	if total == 0 {
		return nil, model.Errorf(model.ErrConfig, "no provider is routable, every chat profile has weight 0")
	}

	cursor := r.intn(total)
	for _, name := range names {
		p := r.cfg.Providers[name]
		if p.Kind != config.KindChat {
			continue
		}
		w := p.EffectiveWeight()
		if w <= 0 {
			continue
		}
		if cursor < w {
			if p.Model == "" {
				return nil, model.Errorf(model.ErrConfig, "provider %q has no default model and cannot serve wildcard routing", name)
			}
			return r.build(name, p, p.Model)
		}
		cursor -= w
	}
	return nil, model.Errorf(model.ErrConfig, "weighted selection ran past the provider pool")
}

func (r *Router) build(name string, p config.Provider, id string) (*Route, error) {
	key, err := config.ResolveSecret(p.APIKey, r.overlay)
	if err != nil {
		if werr, ok := model.AsError(err); ok && werr.Provider == "" {
			werr.Provider = name
		}
		return nil, err
	}

	profile := Profile{
		Name:    name,
		Shape:   p.API,
		BaseURL: p.BaseURL,
		APIKey:  key,
		Model:   id,
		Headers: p.Headers,
	}
	primary, err := r.registry.Build(p.API, profile)
	if err != nil {
		return nil, err
	}

	route := &Route{
		Provider: name,
		Model:    id,
		Shape:    p.API,
		Primary:  primary,
	}
	if p.FallbackAPI != "" {
		fb := profile
		fb.Shape = p.FallbackAPI
		fallback, err := r.registry.Build(p.FallbackAPI, fb)
		if err != nil {
			return nil, err
		}
		route.Fallback = fallback
		route.FallbackShape = p.FallbackAPI
	}

	r.logger.Debug("resolved model reference", "provider", name, "model", id, "shape", p.API, "fallback_shape", route.FallbackShape)
	return route, nil
}
