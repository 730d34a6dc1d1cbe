// Package model defines the provider-agnostic vocabulary for streamed
// language-model output and the adapter contract every wire family implements.
//
// Core goals:
//   - One canonical event sequence (text, reasoning, tool calls, usage,
//     finish, error) regardless of the upstream streaming grammar
//   - Strict tool-call ordering: Open → zero or more ArgDelta → Close, with
//     no event referencing a call id after its Close
//   - A shared error taxonomy so retry and fallback policy never branch on
//     vendor-specific failure shapes
//   - Lightweight mocking for tests (MockModel)
//
// Wire adapters (openaichat, openairesponses, anthropicmsg, bedrockconverse)
// implement the Model interface from this package so higher layers (router,
// agent loop) remain decoupled from vendor SDKs and transports.
package model
