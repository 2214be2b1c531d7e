package responses

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Event is one decoded upstream Responses stream event.
type Event interface {
	eventType() string
}

// CreatedEvent opens the response.
type CreatedEvent struct {
	ResponseID string
	Model      string
}

// TextDeltaEvent carries assistant text.
type TextDeltaEvent struct {
	ItemID string
	Delta  string
}

// OutputItemAddedEvent announces a new output item. Only function calls matter to the bridge.
type OutputItemAddedEvent struct {
	ItemType  string
	ItemID    string
	CallID    string
	Name      string
	Arguments string
}

// ArgumentsDeltaEvent carries a chunk of function call arguments.
type ArgumentsDeltaEvent struct {
	ItemID string
	CallID string
	Delta  string
}

// ArgumentsDoneEvent signals that a function call's arguments are complete.
type ArgumentsDoneEvent struct {
	ItemID    string
	CallID    string
	Arguments string
}

// OutputItemDoneEvent closes an output item.
type OutputItemDoneEvent struct {
	ItemType  string
	ItemID    string
	CallID    string
	Name      string
	Arguments string
}

// TerminalKind distinguishes the three terminal response events.
type TerminalKind string

const (
	TerminalCompleted  TerminalKind = "completed"
	TerminalIncomplete TerminalKind = "incomplete"
	TerminalFailed     TerminalKind = "failed"
)

// TerminalEvent ends the response and carries its usage.
type TerminalEvent struct {
	Kind             TerminalKind
	ResponseID       string
	Model            string
	InputTokens      int64
	OutputTokens     int64
	CachedTokens     int64
	IncompleteReason string
	ErrorCode        string
	ErrorMessage     string
}

// ErrorEvent is an explicit upstream error.
type ErrorEvent struct {
	Code    string
	Message string
}

// UnknownEvent is any event type the bridge ignores.
type UnknownEvent struct {
	Type string
}

func (CreatedEvent) eventType() string         { return "response.created" }
func (TextDeltaEvent) eventType() string       { return "response.output_text.delta" }
func (OutputItemAddedEvent) eventType() string { return "response.output_item.added" }
func (ArgumentsDeltaEvent) eventType() string  { return "response.function_call_arguments.delta" }
func (ArgumentsDoneEvent) eventType() string   { return "response.function_call_arguments.done" }
func (OutputItemDoneEvent) eventType() string  { return "response.output_item.done" }
func (e TerminalEvent) eventType() string      { return "response." + string(e.Kind) }
func (ErrorEvent) eventType() string           { return "error" }
func (e UnknownEvent) eventType() string       { return e.Type }

// DecodeEvent parses the JSON payload of one upstream data line, keyed by its type field.
func DecodeEvent(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("responses: invalid event payload")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("responses: event payload is not an object")
	}
	eventType := root.Get("type").String()
	switch eventType {
	case "response.created":
		return CreatedEvent{
			ResponseID: root.Get("response.id").String(),
			Model:      root.Get("response.model").String(),
		}, nil
	case "response.output_text.delta":
		return TextDeltaEvent{ItemID: root.Get("item_id").String(), Delta: root.Get("delta").String()}, nil
	case "response.output_item.added":
		item := root.Get("item")
		return OutputItemAddedEvent{
			ItemType:  item.Get("type").String(),
			ItemID:    item.Get("id").String(),
			CallID:    item.Get("call_id").String(),
			Name:      item.Get("name").String(),
			Arguments: item.Get("arguments").String(),
		}, nil
	case "response.function_call_arguments.delta":
		return ArgumentsDeltaEvent{
			ItemID: root.Get("item_id").String(),
			CallID: root.Get("call_id").String(),
			Delta:  root.Get("delta").String(),
		}, nil
	case "response.function_call_arguments.done":
		return ArgumentsDoneEvent{
			ItemID:    root.Get("item_id").String(),
			CallID:    root.Get("call_id").String(),
			Arguments: root.Get("arguments").String(),
		}, nil
	case "response.output_item.done":
		item := root.Get("item")
		return OutputItemDoneEvent{
			ItemType:  item.Get("type").String(),
			ItemID:    item.Get("id").String(),
			CallID:    item.Get("call_id").String(),
			Name:      item.Get("name").String(),
			Arguments: item.Get("arguments").String(),
		}, nil
	case "response.completed", "response.done":
		return decodeTerminal(root, TerminalCompleted), nil
	case "response.incomplete":
		return decodeTerminal(root, TerminalIncomplete), nil
	case "response.failed":
		return decodeTerminal(root, TerminalFailed), nil
	case "error":
		message := root.Get("message").String()
		if message == "" {
			message = root.Get("error.message").String()
		}
		code := root.Get("code").String()
		if code == "" {
			code = root.Get("error.code").String()
		}
		return ErrorEvent{Code: code, Message: message}, nil
	default:
		return UnknownEvent{Type: eventType}, nil
	}
}

func decodeTerminal(root gjson.Result, kind TerminalKind) TerminalEvent {
	response := root.Get("response")
	return TerminalEvent{
		Kind:             kind,
		ResponseID:       response.Get("id").String(),
		Model:            response.Get("model").String(),
		InputTokens:      response.Get("usage.input_tokens").Int(),
		OutputTokens:     response.Get("usage.output_tokens").Int(),
		CachedTokens:     response.Get("usage.input_tokens_details.cached_tokens").Int(),
		IncompleteReason: response.Get("incomplete_details.reason").String(),
		ErrorCode:        response.Get("error.code").String(),
		ErrorMessage:     response.Get("error.message").String(),
	}
}
