// Package responses bridges Anthropic Messages traffic onto the OpenAI
// Responses protocol: requests are transcoded on the way out and the upstream
// event stream is translated back into Messages SSE events.
package responses

import (
	"strings"

	"github.com/router-for-me/claude-relay/internal/interfaces"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultInstructions is sent when the caller supplies no system prompt; the
// Responses endpoint rejects empty instructions.
const DefaultInstructions = "You are a helpful assistant."

const responsesRequestTemplate = `{"model":"","instructions":"","input":[],"tool_choice":"auto","parallel_tool_calls":true,"stream":true,"store":false}`

// ConvertClaudeRequestToResponses transcodes a Messages request body into a
// streaming Responses request for model. stop_sequences has no Responses
// equivalent and is dropped.
func ConvertClaudeRequestToResponses(model string, rawJSON []byte) ([]byte, error) {
	if !gjson.ValidBytes(rawJSON) || !gjson.ParseBytes(rawJSON).IsObject() {
		return nil, interfaces.NewError(interfaces.ErrorKindInvalidRequestShape, "request body must be a JSON object")
	}
	root := gjson.ParseBytes(rawJSON)
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, interfaces.NewError(interfaces.ErrorKindInvalidRequestShape, "messages must be a non-empty array")
	}
	if strings.TrimSpace(model) == "" {
		model = root.Get("model").String()
	}

	b := &requestBuilder{out: []byte(responsesRequestTemplate)}
	b.set("model", model)
	b.set("instructions", systemInstructions(root.Get("system")))

	messages.ForEach(func(_, message gjson.Result) bool {
		b.appendMessage(message)
		return b.err == nil
	})

	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			b.appendTool(tool)
			return b.err == nil
		})
	}
	b.applyToolChoice(root.Get("tool_choice"))

	if v := root.Get("temperature"); v.Exists() && v.Type == gjson.Number {
		b.set("temperature", v.Float())
	}
	if v := root.Get("top_p"); v.Exists() && v.Type == gjson.Number {
		b.set("top_p", v.Float())
	}
	if v := root.Get("max_tokens"); v.Exists() && v.Type == gjson.Number && v.Int() > 0 {
		b.set("max_output_tokens", v.Int())
	}

	if b.err != nil {
		return nil, interfaces.WrapError(interfaces.ErrorKindBridgeTranslationError, b.err)
	}
	return b.out, nil
}

func systemInstructions(system gjson.Result) string {
	var parts []string
	switch {
	case system.Type == gjson.String:
		parts = append(parts, system.String())
	case system.IsArray():
		system.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				parts = append(parts, block.Get("text").String())
			}
			return true
		})
	}
	instructions := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if instructions == "" {
		return DefaultInstructions
	}
	return instructions
}

type requestBuilder struct {
	out []byte
	err error

	// pending collects the text and image parts of the message being built.
	pending     []byte
	pendingRole string
}

func (b *requestBuilder) set(path string, value any) {
	if b.err != nil {
		return
	}
	b.out, b.err = sjson.SetBytes(b.out, path, value)
}

func (b *requestBuilder) setRaw(path string, raw []byte) {
	if b.err != nil {
		return
	}
	b.out, b.err = sjson.SetRawBytes(b.out, path, raw)
}

func (b *requestBuilder) appendItem(item []byte) {
	b.setRaw("input.-1", item)
}

func (b *requestBuilder) appendPart(role string, part []byte) {
	if b.err != nil {
		return
	}
	if b.pending == nil || b.pendingRole != role {
		b.flush()
		b.pending = []byte(`{"type":"message","role":"","content":[]}`)
		b.pending, b.err = sjson.SetBytes(b.pending, "role", role)
		b.pendingRole = role
	}
	if b.err == nil {
		b.pending, b.err = sjson.SetRawBytes(b.pending, "content.-1", part)
	}
}

func (b *requestBuilder) flush() {
	if b.pending == nil {
		return
	}
	b.appendItem(b.pending)
	b.pending = nil
	b.pendingRole = ""
}

func (b *requestBuilder) textPart(role, text string) {
	partType := "input_text"
	if role == "assistant" {
		partType = "output_text"
	}
	part, err := sjson.SetBytes([]byte(`{"type":"","text":""}`), "type", partType)
	if err == nil {
		part, err = sjson.SetBytes(part, "text", text)
	}
	if err != nil {
		b.err = err
		return
	}
	b.appendPart(role, part)
}

func (b *requestBuilder) appendMessage(message gjson.Result) {
	role := message.Get("role").String()
	if role != "assistant" {
		role = "user"
	}
	content := message.Get("content")
	if content.Type == gjson.String {
		b.textPart(role, content.String())
		b.flush()
		return
	}
	if !content.IsArray() {
		return
	}

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			b.textPart(role, block.Get("text").String())
		case "image":
			if url := imageURL(block.Get("source")); url != "" && role == "user" {
				part, err := sjson.SetBytes([]byte(`{"type":"input_image","image_url":""}`), "image_url", url)
				if err != nil {
					b.err = err
					return false
				}
				b.appendPart(role, part)
			}
		case "tool_use":
			b.flush()
			b.appendFunctionCall(block)
		case "tool_result":
			b.flush()
			b.appendFunctionCallOutput(block)
		}
		return b.err == nil
	})
	b.flush()
}

func imageURL(source gjson.Result) string {
	switch source.Get("type").String() {
	case "base64":
		data := source.Get("data").String()
		if data == "" {
			return ""
		}
		mediaType := source.Get("media_type").String()
		if mediaType == "" {
			mediaType = "image/png"
		}
		return "data:" + mediaType + ";base64," + data
	case "url":
		return source.Get("url").String()
	}
	return ""
}

func (b *requestBuilder) appendFunctionCall(block gjson.Result) {
	arguments := "{}"
	if input := block.Get("input"); input.Exists() && input.IsObject() {
		arguments = input.Raw
	}
	item := []byte(`{"type":"function_call","call_id":"","name":"","arguments":""}`)
	var err error
	item, err = sjson.SetBytes(item, "call_id", block.Get("id").String())
	if err == nil {
		item, err = sjson.SetBytes(item, "name", block.Get("name").String())
	}
	if err == nil {
		item, err = sjson.SetBytes(item, "arguments", arguments)
	}
	if err != nil {
		b.err = err
		return
	}
	b.appendItem(item)
}

func (b *requestBuilder) appendFunctionCallOutput(block gjson.Result) {
	item := []byte(`{"type":"function_call_output","call_id":"","output":""}`)
	var err error
	item, err = sjson.SetBytes(item, "call_id", block.Get("tool_use_id").String())
	if err == nil {
		item, err = sjson.SetBytes(item, "output", toolResultText(block.Get("content")))
	}
	if err != nil {
		b.err = err
		return
	}
	b.appendItem(item)
}

func toolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return content.Raw
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func (b *requestBuilder) appendTool(tool gjson.Result) {
	name := tool.Get("name").String()
	if name == "" {
		return
	}
	parameters := tool.Get("input_schema")
	if !parameters.IsObject() {
		return
	}
	item := []byte(`{"type":"function","name":"","description":"","parameters":{},"strict":false}`)
	var err error
	item, err = sjson.SetBytes(item, "name", name)
	if err == nil {
		item, err = sjson.SetBytes(item, "description", tool.Get("description").String())
	}
	if err == nil {
		item, err = sjson.SetRawBytes(item, "parameters", []byte(parameters.Raw))
	}
	if err != nil {
		b.err = err
		return
	}
	if !gjson.GetBytes(b.out, "tools").Exists() {
		b.setRaw("tools", []byte(`[]`))
	}
	b.setRaw("tools.-1", item)
}

func (b *requestBuilder) applyToolChoice(choice gjson.Result) {
	if !choice.Exists() {
		return
	}
	if choice.Get("disable_parallel_tool_use").Bool() {
		b.set("parallel_tool_calls", false)
	}
	switch choice.Get("type").String() {
	case "any":
		b.set("tool_choice", "required")
	case "none":
		b.set("tool_choice", "none")
	case "tool":
		raw, err := sjson.SetBytes([]byte(`{"type":"function","name":""}`), "name", choice.Get("name").String())
		if err != nil {
			b.err = err
			return
		}
		b.setRaw("tool_choice", raw)
	default:
		b.set("tool_choice", "auto")
	}
}
