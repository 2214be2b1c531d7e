package responses

import (
	"bytes"

	"github.com/tidwall/sjson"
)

// Messages stream event names.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// ClaudeEvent is one Messages SSE event: its name and JSON payload.
type ClaudeEvent struct {
	Type string
	Data []byte
}

// SSE renders the event as "event: <name>\ndata: <json>\n\n".
func (e ClaudeEvent) SSE() []byte {
	var buf bytes.Buffer
	buf.Grow(len(e.Type) + len(e.Data) + 16)
	buf.WriteString("event: ")
	buf.WriteString(e.Type)
	buf.WriteString("\ndata: ")
	buf.Write(e.Data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// EncodeSSE concatenates the SSE rendering of events.
func EncodeSSE(events []ClaudeEvent) []byte {
	var buf bytes.Buffer
	for _, ev := range events {
		buf.Write(ev.SSE())
	}
	return buf.Bytes()
}

// mustSet ignores sjson errors; every path used here is a fixed valid path.
func mustSet(raw []byte, path string, value any) []byte {
	out, err := sjson.SetBytes(raw, path, value)
	if err != nil {
		return raw
	}
	return out
}

func messageStartEvent(id, model string) ClaudeEvent {
	data := []byte(`{"type":"message_start","message":{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}}`)
	data = mustSet(data, "message.id", id)
	data = mustSet(data, "message.model", model)
	return ClaudeEvent{Type: EventMessageStart, Data: data}
}

func textBlockStartEvent(index int) ClaudeEvent {
	data := []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
	return ClaudeEvent{Type: EventContentBlockStart, Data: mustSet(data, "index", index)}
}

func toolBlockStartEvent(index int, callID, name string) ClaudeEvent {
	data := []byte(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"","input":{}}}`)
	data = mustSet(data, "index", index)
	data = mustSet(data, "content_block.id", callID)
	data = mustSet(data, "content_block.name", name)
	return ClaudeEvent{Type: EventContentBlockStart, Data: data}
}

func textDeltaEvent(index int, text string) ClaudeEvent {
	data := []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":""}}`)
	data = mustSet(data, "index", index)
	data = mustSet(data, "delta.text", text)
	return ClaudeEvent{Type: EventContentBlockDelta, Data: data}
}

func inputJSONDeltaEvent(index int, partialJSON string) ClaudeEvent {
	data := []byte(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":""}}`)
	data = mustSet(data, "index", index)
	data = mustSet(data, "delta.partial_json", partialJSON)
	return ClaudeEvent{Type: EventContentBlockDelta, Data: data}
}

func blockStopEvent(index int) ClaudeEvent {
	data := []byte(`{"type":"content_block_stop","index":0}`)
	return ClaudeEvent{Type: EventContentBlockStop, Data: mustSet(data, "index", index)}
}

func messageDeltaEvent(stopReason string, inputTokens, outputTokens, cacheReadTokens int64) ClaudeEvent {
	data := []byte(`{"type":"message_delta","delta":{"stop_reason":"","stop_sequence":null},"usage":{"input_tokens":0,"output_tokens":0}}`)
	data = mustSet(data, "delta.stop_reason", stopReason)
	data = mustSet(data, "usage.input_tokens", inputTokens)
	data = mustSet(data, "usage.output_tokens", outputTokens)
	if cacheReadTokens > 0 {
		data = mustSet(data, "usage.cache_read_input_tokens", cacheReadTokens)
	}
	return ClaudeEvent{Type: EventMessageDelta, Data: data}
}

func messageStopEvent() ClaudeEvent {
	return ClaudeEvent{Type: EventMessageStop, Data: []byte(`{"type":"message_stop"}`)}
}

// ErrorClaudeEvent builds a Messages error event of errType with message.
func ErrorClaudeEvent(errType, message string) ClaudeEvent {
	data := []byte(`{"type":"error","error":{"type":"","message":""}}`)
	data = mustSet(data, "error.type", errType)
	data = mustSet(data, "error.message", message)
	return ClaudeEvent{Type: EventError, Data: data}
}
