// Package wiretest provides scripted HTTP fixtures for adapter tests.
//
// A Server replays queued responses and records every request it receives.
// Responses can be delivered in explicit byte fragments with a flush after
// each one, which lets tests prove that stream decoding does not depend on
// where network chunk boundaries fall.
package wiretest
