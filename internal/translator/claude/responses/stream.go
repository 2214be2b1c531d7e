package responses

// StreamTranslator feeds decoded upstream payloads through Transition and
// keeps the running state for one stream.
type StreamTranslator struct {
	state StreamState
}

// NewStreamTranslator starts a translator whose message falls back to messageID.
func NewStreamTranslator(messageID string) *StreamTranslator {
	return &StreamTranslator{state: NewStreamState(messageID)}
}

// Feed decodes one upstream data payload and returns the events to forward.
// A payload that does not decode returns the error and leaves the state untouched.
func (t *StreamTranslator) Feed(data []byte) ([]ClaudeEvent, Event, error) {
	ev, err := DecodeEvent(data)
	if err != nil {
		return nil, nil, err
	}
	var out []ClaudeEvent
	t.state, out = Transition(t.state, ev)
	return out, ev, nil
}

// Apply runs an already decoded event.
func (t *StreamTranslator) Apply(ev Event) []ClaudeEvent {
	var out []ClaudeEvent
	t.state, out = Transition(t.state, ev)
	return out
}

// State returns the current state.
func (t *StreamTranslator) State() StreamState { return t.state }

// Done reports whether a terminal or error event has been handled.
func (t *StreamTranslator) Done() bool { return t.state.Done }
