// Package logging provides a minimal logging interface and adapters for llmwire.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the agent loop, router and stream adapters use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - WireLogger with turn/provider context and domain helpers
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	loop := agent.NewLoop(route, func(o *agent.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
