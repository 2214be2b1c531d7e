package executor

import (
	"bytes"

	"github.com/router-for-me/claude-relay/internal/queuehealth"
	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
	"github.com/tidwall/gjson"
)

// claudeUsageTracker reads Messages SSE data lines and reports usage once per
// turn: message_start opens the turn and message_delta with output tokens
// closes it.
type claudeUsageTracker struct {
	onUsage UsageFunc
	current relayusage.Detail
	started bool
	// failure is the last upstream error event seen on the stream.
	failure *RelayedStreamError
}

func newClaudeUsageTracker(onUsage UsageFunc) *claudeUsageTracker {
	return &claudeUsageTracker{onUsage: onUsage}
}

// sseData returns the payload of a "data:" line.
func sseData(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, dataTag) {
		return nil, false
	}
	data := bytes.TrimSpace(line[len(dataTag):])
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return nil, false
	}
	return data, true
}

func (t *claudeUsageTracker) handleLine(line []byte) {
	data, ok := sseData(line)
	if !ok {
		return
	}
	if !gjson.ValidBytes(data) {
		queuehealth.Inc(queuehealth.SkippedStreamLine)
		return
	}
	root := gjson.ParseBytes(data)
	switch root.Get("type").String() {
	case "message_start":
		usage := root.Get("message.usage")
		t.current = relayusage.Detail{
			InputTokens:              usage.Get("input_tokens").Int(),
			OutputTokens:             usage.Get("output_tokens").Int(),
			CacheCreationInputTokens: usage.Get("cache_creation_input_tokens").Int(),
			CacheReadInputTokens:     usage.Get("cache_read_input_tokens").Int(),
			Model:                    root.Get("message.model").String(),
		}
		t.started = true
	case "message_delta":
		output := root.Get("usage.output_tokens")
		if !output.Exists() || !t.started {
			return
		}
		detail := t.current
		detail.OutputTokens = output.Int()
		if v := root.Get("usage.input_tokens"); v.Exists() && v.Int() > 0 {
			detail.InputTokens = v.Int()
		}
		if v := root.Get("usage.cache_read_input_tokens"); v.Exists() && v.Int() > 0 {
			detail.CacheReadInputTokens = v.Int()
		}
		if v := root.Get("usage.cache_creation_input_tokens"); v.Exists() && v.Int() > 0 {
			detail.CacheCreationInputTokens = v.Int()
		}
		t.started = false
		if t.onUsage != nil {
			t.onUsage(detail)
		}
	case "error":
		t.failure = &RelayedStreamError{
			Code:    root.Get("error.type").String(),
			Message: root.Get("error.message").String(),
		}
	}
}

// run consumes lines until the channel closes.
func (t *claudeUsageTracker) run(lines <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for line := range lines {
		t.handleLine(line)
	}
}

// parseClaudeUsage reads the usage block of a non-streaming Messages response.
func parseClaudeUsage(body []byte) (*relayusage.Detail, bool) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return nil, false
	}
	return &relayusage.Detail{
		InputTokens:              usage.Get("input_tokens").Int(),
		OutputTokens:             usage.Get("output_tokens").Int(),
		CacheCreationInputTokens: usage.Get("cache_creation_input_tokens").Int(),
		CacheReadInputTokens:     usage.Get("cache_read_input_tokens").Int(),
		Model:                    gjson.GetBytes(body, "model").String(),
	}, true
}
