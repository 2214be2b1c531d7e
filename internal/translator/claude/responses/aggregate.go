package responses

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type aggregatedBlock struct {
	kind  string
	text  strings.Builder
	id    string
	name  string
	input strings.Builder
}

// MessageAggregator rebuilds a complete Messages response from the events a
// bridged stream produced, for callers that did not ask for streaming.
type MessageAggregator struct {
	id         string
	model      string
	blocks     []*aggregatedBlock
	byIndex    map[int]*aggregatedBlock
	stopReason string
	usage      struct{ input, output, cacheRead int64 }
	errType    string
	errMessage string
	stopped    bool
}

// NewMessageAggregator returns an empty aggregator.
func NewMessageAggregator() *MessageAggregator {
	return &MessageAggregator{byIndex: make(map[int]*aggregatedBlock)}
}

// Add consumes one event.
func (a *MessageAggregator) Add(ev ClaudeEvent) {
	data := gjson.ParseBytes(ev.Data)
	switch ev.Type {
	case EventMessageStart:
		a.id = data.Get("message.id").String()
		a.model = data.Get("message.model").String()
	case EventContentBlockStart:
		block := &aggregatedBlock{kind: data.Get("content_block.type").String()}
		if block.kind == "tool_use" {
			block.id = data.Get("content_block.id").String()
			block.name = data.Get("content_block.name").String()
		}
		a.blocks = append(a.blocks, block)
		a.byIndex[int(data.Get("index").Int())] = block
	case EventContentBlockDelta:
		block, ok := a.byIndex[int(data.Get("index").Int())]
		if !ok {
			return
		}
		switch data.Get("delta.type").String() {
		case "text_delta":
			block.text.WriteString(data.Get("delta.text").String())
		case "input_json_delta":
			block.input.WriteString(data.Get("delta.partial_json").String())
		}
	case EventMessageDelta:
		a.stopReason = data.Get("delta.stop_reason").String()
		a.usage.input = data.Get("usage.input_tokens").Int()
		a.usage.output = data.Get("usage.output_tokens").Int()
		a.usage.cacheRead = data.Get("usage.cache_read_input_tokens").Int()
	case EventMessageStop:
		a.stopped = true
	case EventError:
		a.errType = data.Get("error.type").String()
		a.errMessage = data.Get("error.message").String()
	}
}

// AddAll consumes events in order.
func (a *MessageAggregator) AddAll(events []ClaudeEvent) {
	for _, ev := range events {
		a.Add(ev)
	}
}

// Complete reports whether message_stop or an error has been seen.
func (a *MessageAggregator) Complete() bool { return a.stopped || a.errMessage != "" }

// Err returns the upstream error carried by an error event, if any.
func (a *MessageAggregator) Err() (errType, message string, ok bool) {
	if a.errMessage == "" && a.errType == "" {
		return "", "", false
	}
	return a.errType, a.errMessage, true
}

// Message renders the aggregated Messages response body.
func (a *MessageAggregator) Message() ([]byte, error) {
	out := []byte(`{"id":"","type":"message","role":"assistant","model":"","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":0,"output_tokens":0}}`)
	var err error
	set := func(path string, value any) {
		if err == nil {
			out, err = sjson.SetBytes(out, path, value)
		}
	}
	setRaw := func(path string, raw []byte) {
		if err == nil {
			out, err = sjson.SetRawBytes(out, path, raw)
		}
	}

	set("id", a.id)
	set("model", a.model)
	for _, block := range a.blocks {
		switch block.kind {
		case "text":
			part, errPart := sjson.SetBytes([]byte(`{"type":"text","text":""}`), "text", block.text.String())
			if errPart != nil {
				return nil, errPart
			}
			setRaw("content.-1", part)
		case "tool_use":
			input := block.input.String()
			if !isJSONObject(input) {
				input = "{}"
			}
			part := []byte(`{"type":"tool_use","id":"","name":"","input":{}}`)
			part, _ = sjson.SetBytes(part, "id", block.id)
			part, _ = sjson.SetBytes(part, "name", block.name)
			part, errPart := sjson.SetRawBytes(part, "input", []byte(input))
			if errPart != nil {
				return nil, errPart
			}
			setRaw("content.-1", part)
		}
	}
	if a.stopReason != "" {
		set("stop_reason", a.stopReason)
	}
	set("usage.input_tokens", a.usage.input)
	set("usage.output_tokens", a.usage.output)
	if a.usage.cacheRead > 0 {
		set("usage.cache_read_input_tokens", a.usage.cacheRead)
	}
	if err != nil {
		return nil, fmt.Errorf("aggregate message: %w", err)
	}
	return out, nil
}
