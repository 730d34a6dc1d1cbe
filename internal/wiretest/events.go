package wiretest

import (
	"fmt"
	"testing"
	"time"

	"github.com/hupe1980/llmwire/model"
)

// Collect drains an event channel, failing the test if the stream does not
// finish within the deadline.
func Collect(t *testing.T, ch <-chan model.Event) []model.Event {
	t.Helper()
	var out []model.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not complete; got %d events so far", len(out))
			return out
		}
	}
}

// Render projects events into compact strings so tests can compare whole
// sequences at a glance.
func Render(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		switch ev.Kind {
		case model.EventTextDelta:
			out = append(out, fmt.Sprintf("text(%s)", ev.Delta))
		case model.EventReasoningDelta:
			out = append(out, fmt.Sprintf("reasoning(%s)", ev.Delta))
		case model.EventToolCallOpen:
			out = append(out, fmt.Sprintf("open(%s %s)", ev.ToolCallID, ev.ToolName))
		case model.EventToolCallArgDelta:
			out = append(out, fmt.Sprintf("arg(%s %s)", ev.ToolCallID, ev.ArgFragment))
		case model.EventToolCallClose:
			out = append(out, fmt.Sprintf("close(%s)", ev.ToolCallID))
		case model.EventUsage:
			out = append(out, fmt.Sprintf("usage(in=%d out=%d)", ev.Usage.InputTokens, ev.Usage.OutputTokens))
		case model.EventFinish:
			out = append(out, fmt.Sprintf("finish(%s)", ev.FinishReason))
		case model.EventError:
			out = append(out, fmt.Sprintf("error(%s)", ev.Err.Kind))
		default:
			out = append(out, string(ev.Kind))
		}
	}
	return out
}

// Args joins the argument fragments for one call id, reconstructing the
// payload the way a consumer would.
func Args(events []model.Event, callID string) string {
	var s string
	for _, ev := range events {
		if ev.Kind == model.EventToolCallArgDelta && ev.ToolCallID == callID {
			s += ev.ArgFragment
		}
	}
	return s
}
