package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusOptions configures the prometheus sink.
type PrometheusOptions struct {
	// Registerer receives the collectors. Defaults to the global registerer.
	Registerer prometheus.Registerer
	// Namespace prefixes every metric name. Defaults to "llmwire".
	Namespace string
}

// PrometheusEmitter translates events into prometheus collectors. Counter
// increments never block, so the Emitter contract holds without buffering.
type PrometheusEmitter struct {
	requests  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	toolCalls *prometheus.CounterVec
	tokens    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewPrometheusEmitter registers the llmwire collector set.
func NewPrometheusEmitter(optFns ...func(o *PrometheusOptions)) *PrometheusEmitter {
	opts := PrometheusOptions{
		Registerer: prometheus.DefaultRegisterer,
		Namespace:  "llmwire",
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	factory := promauto.With(opts.Registerer)
	return &PrometheusEmitter{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "requests_total",
			Help:      "Model call attempts by provider, wire shape and outcome.",
		}, []string{"provider", "shape", "outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled after transient failures.",
		}, []string{"provider", "outcome"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "fallbacks_total",
			Help:      "Shape fallback engagements.",
		}, []string{"provider"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "tool_calls_total",
			Help:      "Tool executions by name and outcome.",
		}, []string{"tool", "outcome"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Name:      "tokens_total",
			Help:      "Token usage by provider and direction.",
		}, []string{"provider", "direction"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Name:      "request_duration_seconds",
			Help:      "Model call latency by provider and wire shape.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "shape"}),
	}
}

// Emit records the event on the matching collectors.
func (p *PrometheusEmitter) Emit(e Event) {
	switch e.Kind {
	case KindRequest:
		p.requests.WithLabelValues(e.Provider, e.Shape, e.Outcome).Inc()
		p.latency.WithLabelValues(e.Provider, e.Shape).Observe(e.Duration.Seconds())
		if in := e.Usage.InputTokens; in > 0 {
			p.tokens.WithLabelValues(e.Provider, "input").Add(float64(in))
		}
		if out := e.Usage.OutputTokens; out > 0 {
			p.tokens.WithLabelValues(e.Provider, "output").Add(float64(out))
		}
	case KindRetry:
		p.retries.WithLabelValues(e.Provider, e.Outcome).Inc()
	case KindFallback:
		p.fallbacks.WithLabelValues(e.Provider).Inc()
	case KindToolCall:
		p.toolCalls.WithLabelValues(e.Tool, e.Outcome).Inc()
	case KindTurn:
		// Turn aggregates are derivable from the per-request series.
	}
}
