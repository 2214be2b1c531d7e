package responses

import "maps"

// BlockKind is the kind of the content block currently open downstream.
type BlockKind int

const (
	BlockNone BlockKind = iota
	BlockText
	BlockToolUse
)

// StreamState is the running state of one bridged stream. Transition never
// mutates the state it is given.
type StreamState struct {
	// FallbackMessageID is used when the upstream never names its response.
	FallbackMessageID string

	MessageStarted bool
	Done           bool

	// BlockIndex is the index of the open block, or of the next block when none is open.
	BlockIndex int
	Open       BlockKind
	OpenCallID string

	// Arguments and Emitted are keyed by call id; ItemCalls maps item ids to call ids.
	Arguments map[string]string
	Emitted   map[string]bool
	ItemCalls map[string]string
	CallNames map[string]string

	SawToolCall bool

	ResponseID      string
	Model           string
	InputTokens     int64
	OutputTokens    int64
	CacheReadTokens int64

	// ArgumentsRepaired and ArgumentsUnrepaired count calls whose argument
	// buffer needed suffix repair or had to be replaced by "{}".
	ArgumentsRepaired   int
	ArgumentsUnrepaired int
}

// NewStreamState returns the initial state of a stream. fallbackMessageID
// names the message when the upstream omits a response id.
func NewStreamState(fallbackMessageID string) StreamState {
	return StreamState{FallbackMessageID: fallbackMessageID}
}

func (s StreamState) clone() StreamState {
	s.Arguments = maps.Clone(s.Arguments)
	s.Emitted = maps.Clone(s.Emitted)
	s.ItemCalls = maps.Clone(s.ItemCalls)
	s.CallNames = maps.Clone(s.CallNames)
	if s.Arguments == nil {
		s.Arguments = make(map[string]string)
	}
	if s.Emitted == nil {
		s.Emitted = make(map[string]bool)
	}
	if s.ItemCalls == nil {
		s.ItemCalls = make(map[string]string)
	}
	if s.CallNames == nil {
		s.CallNames = make(map[string]string)
	}
	return s
}

// Transition applies one upstream event and returns the next state together
// with the Messages events to send downstream.
func Transition(state StreamState, ev Event) (StreamState, []ClaudeEvent) {
	if state.Done || ev == nil {
		return state, nil
	}
	s := state.clone()
	var out []ClaudeEvent

	switch e := ev.(type) {
	case CreatedEvent:
		if e.ResponseID != "" && s.ResponseID == "" {
			s.ResponseID = e.ResponseID
		}
		if e.Model != "" && s.Model == "" {
			s.Model = e.Model
		}
		out = s.ensureStarted(out)

	case TextDeltaEvent:
		if e.Delta == "" {
			return state, nil
		}
		out = s.ensureStarted(out)
		if s.Open != BlockText {
			out = s.closeBlock(out)
			out = append(out, textBlockStartEvent(s.BlockIndex))
			s.Open = BlockText
		}
		out = append(out, textDeltaEvent(s.BlockIndex, e.Delta))

	case OutputItemAddedEvent:
		if e.ItemType != "function_call" {
			return state, nil
		}
		callID := s.resolveCallID(e.CallID, e.ItemID)
		if e.ItemID != "" {
			s.ItemCalls[e.ItemID] = callID
		}
		if e.Name != "" {
			s.CallNames[callID] = e.Name
		}
		if e.Arguments != "" {
			s.Arguments[callID] = e.Arguments
		}
		s.SawToolCall = true
		out = s.ensureStarted(out)
		out = s.openToolBlock(out, callID)

	case ArgumentsDeltaEvent:
		callID := s.resolveCallID(e.CallID, e.ItemID)
		if s.Emitted[callID] {
			return state, nil
		}
		s.SawToolCall = true
		out = s.ensureStarted(out)
		out = s.openToolBlock(out, callID)
		s.Arguments[callID] += e.Delta

	case ArgumentsDoneEvent:
		callID := s.resolveCallID(e.CallID, e.ItemID)
		if s.Emitted[callID] {
			return state, nil
		}
		s.SawToolCall = true
		out = s.ensureStarted(out)
		out = s.emitArguments(out, callID, e.Arguments)

	case OutputItemDoneEvent:
		if e.ItemType != "function_call" {
			return state, nil
		}
		callID := s.resolveCallID(e.CallID, e.ItemID)
		if e.Name != "" && s.CallNames[callID] == "" {
			s.CallNames[callID] = e.Name
		}
		s.SawToolCall = true
		out = s.ensureStarted(out)
		if !s.Emitted[callID] {
			out = s.emitArguments(out, callID, e.Arguments)
		}
		if s.Open == BlockToolUse && s.OpenCallID == callID {
			out = s.closeBlock(out)
		}

	case TerminalEvent:
		if e.ResponseID != "" && s.ResponseID == "" {
			s.ResponseID = e.ResponseID
		}
		if e.Model != "" && s.Model == "" {
			s.Model = e.Model
		}
		s.InputTokens = e.InputTokens
		s.OutputTokens = e.OutputTokens
		s.CacheReadTokens = e.CachedTokens
		out = s.ensureStarted(out)
		if s.Open == BlockToolUse && !s.Emitted[s.OpenCallID] {
			out = s.emitArguments(out, s.OpenCallID, "")
		}
		out = s.closeBlock(out)
		out = append(out,
			messageDeltaEvent(stopReason(s.SawToolCall, e), s.InputTokens, s.OutputTokens, s.CacheReadTokens),
			messageStopEvent(),
		)
		s.Done = true

	case ErrorEvent:
		message := e.Message
		if message == "" {
			message = "upstream stream error"
		}
		out = append(out, ErrorClaudeEvent(errorTypeForCode(e.Code), message))
		s.Done = true

	default:
		return state, nil
	}
	return s, out
}

func (s *StreamState) resolveCallID(callID, itemID string) string {
	if callID != "" {
		return callID
	}
	if mapped, ok := s.ItemCalls[itemID]; ok {
		return mapped
	}
	return itemID
}

func (s *StreamState) ensureStarted(out []ClaudeEvent) []ClaudeEvent {
	if s.MessageStarted {
		return out
	}
	s.MessageStarted = true
	id := s.ResponseID
	if id == "" {
		id = s.FallbackMessageID
	}
	return append(out, messageStartEvent(id, s.Model))
}

func (s *StreamState) closeBlock(out []ClaudeEvent) []ClaudeEvent {
	if s.Open == BlockNone {
		return out
	}
	out = append(out, blockStopEvent(s.BlockIndex))
	s.BlockIndex++
	s.Open = BlockNone
	s.OpenCallID = ""
	return out
}

func (s *StreamState) openToolBlock(out []ClaudeEvent, callID string) []ClaudeEvent {
	if s.Open == BlockToolUse && s.OpenCallID == callID {
		return out
	}
	out = s.closeBlock(out)
	out = append(out, toolBlockStartEvent(s.BlockIndex, callID, s.CallNames[callID]))
	s.Open = BlockToolUse
	s.OpenCallID = callID
	return out
}

// emitArguments sends the complete arguments of callID once. final wins over
// the accumulated deltas when the upstream supplies it.
func (s *StreamState) emitArguments(out []ClaudeEvent, callID, final string) []ClaudeEvent {
	raw := final
	if raw == "" {
		raw = s.Arguments[callID]
	}
	arguments, status := repairArguments(raw)
	switch status {
	case repairSuffix:
		s.ArgumentsRepaired++
	case repairFailed:
		s.ArgumentsUnrepaired++
	}
	out = s.openToolBlock(out, callID)
	out = append(out, inputJSONDeltaEvent(s.BlockIndex, arguments))
	s.Emitted[callID] = true
	delete(s.Arguments, callID)
	return out
}

func stopReason(sawToolCall bool, e TerminalEvent) string {
	switch {
	case sawToolCall:
		return "tool_use"
	case e.Kind == TerminalIncomplete && (e.IncompleteReason == "max_output_tokens" || e.IncompleteReason == "max_tokens"):
		return "max_tokens"
	default:
		return "end_turn"
	}
}

func errorTypeForCode(code string) string {
	switch code {
	case "rate_limit_exceeded", "insufficient_quota", "usage_limit_exceeded":
		return "rate_limit_error"
	case "invalid_request", "invalid_request_error", "context_length_exceeded", "invalid_prompt":
		return "invalid_request_error"
	case "server_is_overloaded", "overloaded":
		return "overloaded_error"
	default:
		return "api_error"
	}
}
