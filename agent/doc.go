// Package agent drives conversational turns against a resolved route. The
// package focuses on three concerns:
//
//  1. The turn state machine (Loop, TurnHandle): send, stream, dispatch
//     tools, repeat until the model stops asking for them
//  2. Failure handling: classified retries with capped jittered backoff, a
//     one-shot fallback on shape mismatch, cooperative abort
//  3. Attempt hygiene: each network attempt records into a private buffer
//     that is replayed to the caller only when the attempt succeeds, so a
//     retried attempt leaves no partial output behind
//
// Execution model:
//   - BeginTurn spawns one goroutine per turn and returns a TurnHandle
//   - The handle streams canonical events and resolves to a TurnResult
//   - Tool calls run strictly sequentially through the ToolExecutor; call
//     N's result is in the transcript before call N+1 starts
//   - Abort cancels cooperatively at every blocking point and never invokes
//     the executor for calls that were still open when it arrived
//
// The package intentionally keeps wire shapes, routing and tool registries
// in their respective packages to avoid cyclic deps.
package agent
