// Package session stores conversation transcripts between turns. The Store
// interface is the persistence contract the client façade binds against;
// InMemoryStore is the stock process-local implementation.
//
// A session also carries the two mid-turn queues: steering messages that
// preempt the remaining tool calls of a round, and follow-up messages that
// extend a turn once the model stops calling tools. The agent loop drains
// them through the store so queued messages survive across turns.
//
// Add additional backends (Redis, Postgres, ...) in sub-packages without
// changing any calling code; only the wiring layer decides which
// implementation to instantiate.
package session
