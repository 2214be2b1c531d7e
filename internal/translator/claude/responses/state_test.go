package responses

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func runEvents(t *testing.T, events ...Event) (StreamState, []ClaudeEvent) {
	t.Helper()
	state := NewStreamState("msg_fallback")
	var all []ClaudeEvent
	for _, ev := range events {
		var out []ClaudeEvent
		state, out = Transition(state, ev)
		all = append(all, out...)
	}
	return state, all
}

func eventTypes(events []ClaudeEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestTransition_TextSequence(t *testing.T) {
	_, events := runEvents(t,
		CreatedEvent{ResponseID: "resp_1", Model: "gpt-5"},
		TextDeltaEvent{Delta: "Hi"},
		TextDeltaEvent{Delta: " there"},
		TerminalEvent{Kind: TerminalCompleted, InputTokens: 5, OutputTokens: 2},
	)
	want := []string{
		EventMessageStart, EventContentBlockStart, EventContentBlockDelta, EventContentBlockDelta,
		EventContentBlockStop, EventMessageDelta, EventMessageStop,
	}
	got := eventTypes(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if id := gjson.GetBytes(events[0].Data, "message.id").String(); id != "resp_1" {
		t.Fatalf("message id = %q", id)
	}
	if typ := gjson.GetBytes(events[1].Data, "content_block.type").String(); typ != "text" {
		t.Fatalf("block type = %q", typ)
	}
	text := gjson.GetBytes(events[2].Data, "delta.text").String() + gjson.GetBytes(events[3].Data, "delta.text").String()
	if text != "Hi there" {
		t.Fatalf("text = %q", text)
	}
	if reason := gjson.GetBytes(events[5].Data, "delta.stop_reason").String(); reason != "end_turn" {
		t.Fatalf("stop_reason = %q", reason)
	}
	if out := gjson.GetBytes(events[5].Data, "usage.output_tokens").Int(); out != 2 {
		t.Fatalf("output_tokens = %d", out)
	}
}

func TestTransition_ToolCallArgumentsEmittedOnce(t *testing.T) {
	state, events := runEvents(t,
		OutputItemAddedEvent{ItemType: "function_call", ItemID: "fc_1", CallID: "c1", Name: "lookup"},
		ArgumentsDeltaEvent{ItemID: "fc_1", Delta: `{"q":`},
		ArgumentsDeltaEvent{ItemID: "fc_1", Delta: `"x"}`},
		ArgumentsDoneEvent{ItemID: "fc_1"},
		ArgumentsDoneEvent{ItemID: "fc_1", Arguments: `{"q":"x"}`},
		OutputItemDoneEvent{ItemType: "function_call", ItemID: "fc_1", CallID: "c1", Arguments: `{"q":"x"}`},
	)
	var deltas []string
	for _, ev := range events {
		if gjson.GetBytes(ev.Data, "delta.type").String() == "input_json_delta" {
			deltas = append(deltas, gjson.GetBytes(ev.Data, "delta.partial_json").String())
		}
	}
	if len(deltas) != 1 || deltas[0] != `{"q":"x"}` {
		t.Fatalf("input_json_delta = %v, want exactly one {\"q\":\"x\"}", deltas)
	}
	if events[1].Type != EventContentBlockStart || gjson.GetBytes(events[1].Data, "content_block.name").String() != "lookup" ||
		gjson.GetBytes(events[1].Data, "content_block.id").String() != "c1" {
		t.Fatalf("tool block start = %s", events[1].Data)
	}
	if state.Open != BlockNone {
		t.Fatalf("tool block left open after item done")
	}

	_, tail := Transition(state, TerminalEvent{Kind: TerminalCompleted})
	if reason := gjson.GetBytes(tail[0].Data, "delta.stop_reason").String(); reason != "tool_use" {
		t.Fatalf("stop_reason = %q, want tool_use", reason)
	}
}

func TestTransition_TextThenToolSwitchesBlocks(t *testing.T) {
	_, events := runEvents(t,
		CreatedEvent{ResponseID: "r"},
		TextDeltaEvent{Delta: "checking"},
		OutputItemAddedEvent{ItemType: "function_call", ItemID: "fc", CallID: "c9", Name: "run"},
		ArgumentsDeltaEvent{ItemID: "fc", Delta: `{}`},
		TerminalEvent{Kind: TerminalCompleted},
	)
	want := []string{
		EventMessageStart,
		EventContentBlockStart, EventContentBlockDelta, EventContentBlockStop,
		EventContentBlockStart, EventContentBlockDelta, EventContentBlockStop,
		EventMessageDelta, EventMessageStop,
	}
	if got := eventTypes(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if idx := gjson.GetBytes(events[4].Data, "index").Int(); idx != 1 {
		t.Fatalf("tool block index = %d, want 1", idx)
	}
	if pj := gjson.GetBytes(events[5].Data, "delta.partial_json").String(); pj != "{}" {
		t.Fatalf("flushed arguments = %q", pj)
	}
}

func TestTransition_MessageStartIdempotent(t *testing.T) {
	_, events := runEvents(t, CreatedEvent{ResponseID: "a"}, CreatedEvent{ResponseID: "b"})
	if len(events) != 1 || events[0].Type != EventMessageStart {
		t.Fatalf("events = %v", eventTypes(events))
	}
}

func TestTransition_IncompleteMaxTokens(t *testing.T) {
	_, events := runEvents(t,
		TextDeltaEvent{Delta: "long"},
		TerminalEvent{Kind: TerminalIncomplete, IncompleteReason: "max_output_tokens"},
	)
	last := events[len(events)-2]
	if reason := gjson.GetBytes(last.Data, "delta.stop_reason").String(); reason != "max_tokens" {
		t.Fatalf("stop_reason = %q, want max_tokens", reason)
	}
	if id := gjson.GetBytes(events[0].Data, "message.id").String(); id != "msg_fallback" {
		t.Fatalf("fallback id = %q", id)
	}
}

func TestTransition_ErrorStopsStream(t *testing.T) {
	state, events := runEvents(t,
		CreatedEvent{ResponseID: "r"},
		ErrorEvent{Code: "rate_limit_exceeded", Message: "slow down"},
		TextDeltaEvent{Delta: "ignored"},
		TerminalEvent{Kind: TerminalCompleted},
	)
	if got := eventTypes(events); strings.Join(got, ",") != EventMessageStart+","+EventError {
		t.Fatalf("events = %v", got)
	}
	if typ := gjson.GetBytes(events[1].Data, "error.type").String(); typ != "rate_limit_error" {
		t.Fatalf("error type = %q", typ)
	}
	if !state.Done {
		t.Fatalf("state not done after error")
	}
}

func TestTransition_DoesNotMutateInput(t *testing.T) {
	state, _ := runEvents(t, OutputItemAddedEvent{ItemType: "function_call", ItemID: "fc", CallID: "c1"})
	before := state.Arguments["c1"]
	next, _ := Transition(state, ArgumentsDeltaEvent{CallID: "c1", Delta: `{"a":1}`})
	if state.Arguments["c1"] != before {
		t.Fatalf("input state mutated: %q", state.Arguments["c1"])
	}
	if next.Arguments["c1"] != `{"a":1}` {
		t.Fatalf("next arguments = %q", next.Arguments["c1"])
	}
}

func TestTransition_UnknownEventIsNoop(t *testing.T) {
	state := NewStreamState("m")
	next, out := Transition(state, UnknownEvent{Type: "response.reasoning_summary_text.delta"})
	if len(out) != 0 || next.MessageStarted {
		t.Fatalf("unknown event produced output: %v", eventTypes(out))
	}
}

func TestRepairArguments(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		status repairStatus
	}{
		{`{"q":"x"}`, `{"q":"x"}`, repairNone},
		{``, `{}`, repairNone},
		{`{"q":"x"}{"q":"x"}`, `{"q":"x"}`, repairSuffix},
		{`{"a":{"b":1}}{"a":{"b":1}}`, `{"a":{"b":1}}`, repairSuffix},
		{`{"q":`, `{}`, repairFailed},
	}
	for _, tc := range cases {
		got, status := repairArguments(tc.in)
		if got != tc.want || status != tc.status {
			t.Fatalf("repairArguments(%q) = %q/%d, want %q/%d", tc.in, got, status, tc.want, tc.status)
		}
	}
}
