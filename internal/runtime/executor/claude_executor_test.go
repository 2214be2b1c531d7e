package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/router-for-me/claude-relay/internal/interfaces"
	"github.com/router-for-me/claude-relay/internal/queuehealth"
	relayauth "github.com/router-for-me/claude-relay/sdk/relay/auth"
	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
	"github.com/tidwall/gjson"
)

const messagesBody = `{"model":"claude-sonnet-4","max_tokens":64,"system":[{"type":"text","text":"sys","cache_control":{"type":"ephemeral","ttl":"1h"}}],"messages":[{"role":"user","content":[{"type":"text","text":"hi","cache_control":{"type":"ephemeral","ttl":"5m"}}]}]}`

func callerHeaders() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer caller-key")
	h.Set("X-Api-Key", "caller-key")
	h.Set("Cookie", "session=abc")
	h.Set("Anthropic-Beta", "custom-beta")
	h.Set("X-Custom", "keep")
	return h
}

func TestClaudeExecutorRelay_RewritesHeadersAndDecodesBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer upstream-token" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("X-Api-Key") != "" || r.Header.Get("Cookie") != "" {
			t.Errorf("caller credentials leaked upstream: %v", r.Header)
		}
		if got := r.Header.Get("Anthropic-Version"); got != "2023-06-01" {
			t.Errorf("Anthropic-Version = %q", got)
		}
		if got := r.Header.Get("Anthropic-Beta"); got != "custom-beta,oauth-2025-04-20" {
			t.Errorf("Anthropic-Beta = %q", got)
		}
		if got := r.Header.Get("User-Agent"); !strings.HasPrefix(got, "claude-cli/") {
			t.Errorf("User-Agent = %q", got)
		}
		if got := r.Header.Get("X-Custom"); got != "keep" {
			t.Errorf("X-Custom = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "ttl") {
			t.Errorf("ttl hint forwarded: %s", body)
		}
		if gjson.GetBytes(body, "system.0.cache_control.type").String() != "ephemeral" {
			t.Errorf("cache_control type dropped: %s", body)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"id":"msg_1","model":"claude-sonnet-4","content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":12,"output_tokens":4,"cache_read_input_tokens":2}}`))
		_ = gz.Close()
	}))
	defer upstream.Close()

	exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
	resp, err := exec.Relay(context.Background(), RelayRequest{
		Account: testAccount(relayauth.ProtocolMessages),
		Token:   "upstream-token",
		Model:   "claude-sonnet-4",
		Body:    []byte(messagesBody),
		Headers: callerHeaders(),
	})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := gjson.GetBytes(resp.Body, "content.0.text").String(); got != "hello" {
		t.Fatalf("body not decoded: %s", resp.Body)
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Fatalf("Content-Encoding should be dropped after decoding")
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 || resp.Usage.CacheReadInputTokens != 2 {
		t.Fatalf("usage = %+v", resp.Usage)
	}
}

func TestClaudeExecutorRelay_UpstreamErrorIsReturnedAsResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer upstream.Close()

	exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
	resp, err := exec.Relay(context.Background(), RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Usage != nil {
		t.Fatalf("usage should be nil on error answers")
	}
}

func TestClaudeExecutorRelay_NetworkFailures(t *testing.T) {
	t.Run("unreachable", func(t *testing.T) {
		upstream := httptest.NewServer(http.NotFoundHandler())
		url := upstream.URL
		upstream.Close()

		exec := NewClaudeExecutor(newTestConfig(t, url))
		_, err := exec.Relay(context.Background(), RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)})
		if !interfaces.IsKind(err, interfaces.ErrorKindUpstreamUnreachable) {
			t.Fatalf("err = %v, want upstream_unreachable", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-release:
			}
		}))
		defer upstream.Close()
		defer close(release)

		exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := exec.Relay(ctx, RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)})
		if !interfaces.IsKind(err, interfaces.ErrorKindUpstreamTimeout) {
			t.Fatalf("err = %v, want upstream_timeout", err)
		}
	})
}

func TestClaudeExecutorRelayStream_ForwardsLinesAndReportsUsage(t *testing.T) {
	queuehealth.Reset()
	stream := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4","usage":{"input_tokens":10,"output_tokens":1,"cache_read_input_tokens":3}}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		"",
		"data: {broken",
		"",
		"event: message_delta",
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop"}`,
		"",
		"",
	}, "\n")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, stream)
	}))
	defer upstream.Close()

	var mu sync.Mutex
	var usages []relayusage.Detail
	sink := &recordingSink{}
	exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
	err := exec.RelayStream(context.Background(), RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)}, sink, func(d relayusage.Detail) {
		mu.Lock()
		usages = append(usages, d)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("RelayStream: %v", err)
	}
	if sink.status != http.StatusOK || sink.header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("status=%d header=%v", sink.status, sink.header)
	}
	if got := sink.String(); got != stream {
		t.Fatalf("forwarded stream differs:\n%q\nwant\n%q", got, stream)
	}
	for _, w := range sink.writes {
		if !strings.HasSuffix(string(w), "\n") {
			t.Fatalf("incomplete line forwarded: %q", w)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(usages) != 1 {
		t.Fatalf("onUsage called %d times, want 1", len(usages))
	}
	want := relayusage.Detail{InputTokens: 10, OutputTokens: 7, CacheReadInputTokens: 3, Model: "claude-sonnet-4"}
	if usages[0] != want {
		t.Fatalf("usage = %+v, want %+v", usages[0], want)
	}
	if got := queuehealth.Get(queuehealth.SkippedStreamLine); got != 1 {
		t.Fatalf("skipped lines = %d, want 1", got)
	}
}

func TestClaudeExecutorRelayStream_CutStreamDropsTrailingFragment(t *testing.T) {
	queuehealth.Reset()
	bigLine := "data: " + strings.Repeat("x", 1<<20+512) + "\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, bigLine)
		_, _ = io.WriteString(w, "\n")
		_, _ = io.WriteString(w, `data: {"type":"content_block_delta","partial`)
		flusher.Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	}))
	defer upstream.Close()

	sink := &recordingSink{}
	exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
	err := exec.RelayStream(context.Background(), RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)}, sink, nil)
	if !interfaces.IsKind(err, interfaces.ErrorKindUpstreamReset) {
		t.Fatalf("err = %v, want upstream_reset", err)
	}
	if !sink.Committed() {
		t.Fatalf("headers should have been committed before the cut")
	}
	got := sink.String()
	if strings.Contains(got, "partial") {
		t.Fatalf("cut fragment was forwarded")
	}
	if !strings.HasPrefix(got, bigLine+"\n") {
		t.Fatalf("complete lines missing from forwarded stream (len %d)", len(got))
	}
	if queuehealth.Get(queuehealth.DroppedStreamTail) != 1 {
		t.Fatalf("dropped tail not counted")
	}
}

func TestClaudeExecutorRelayStream_CleanEOFForwardsFragment(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"ping\"}\n\nevent: ping")
	}))
	defer upstream.Close()

	sink := &recordingSink{}
	exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
	if err := exec.RelayStream(context.Background(), RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)}, sink, nil); err != nil {
		t.Fatalf("RelayStream: %v", err)
	}
	if got := sink.String(); !strings.HasSuffix(got, "\n\nevent: ping") {
		t.Fatalf("fragment at clean EOF not forwarded: %q", got)
	}
}

func TestClaudeExecutorRelayStream_ErrorStatusBeforeCommit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
	}))
	defer upstream.Close()

	sink := &recordingSink{}
	exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
	err := exec.RelayStream(context.Background(), RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)}, sink, nil)
	var se statusErr
	if !errors.As(err, &se) || se.StatusCode() != 529 {
		t.Fatalf("err = %v, want statusErr 529", err)
	}
	if sink.Committed() {
		t.Fatalf("sink must not be committed on an upstream error status")
	}
	if !strings.Contains(string(se.Body()), "busy") {
		t.Fatalf("upstream body lost: %s", se.Body())
	}
}

func TestClaudeExecutorRelayStream_DownstreamFailureStopsRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 10; i++ {
			_, _ = io.WriteString(w, "data: {\"type\":\"ping\"}\n\n")
		}
	}))
	defer upstream.Close()

	sink := &recordingSink{failAfter: 2}
	exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
	err := exec.RelayStream(context.Background(), RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)}, sink, nil)
	if err == nil || !strings.Contains(err.Error(), "downstream write failed") {
		t.Fatalf("err = %v", err)
	}
	if len(sink.writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(sink.writes))
	}
}

func TestClaudeExecutorRelayStream_UpstreamErrorEventMarksFailure(t *testing.T) {
	stream := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":2}}}\n\n" +
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, stream)
	}))
	defer upstream.Close()

	sink := &recordingSink{}
	exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
	err := exec.RelayStream(context.Background(), RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)}, sink, nil)
	var relayed *RelayedStreamError
	if !errors.As(err, &relayed) || relayed.Code != "overloaded_error" || relayed.Message != "Overloaded" {
		t.Fatalf("err = %v, want relayed stream error", err)
	}
	if got := sink.String(); got != stream {
		t.Fatalf("stream not forwarded verbatim: %q", got)
	}
}

func TestClaudeExecutorRelayStream_CallerCancelAbortsUpstream(t *testing.T) {
	upstream, gone := endlessStream(t,
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1}}}\n\n",
		"event: ping\ndata: {\"type\":\"ping\"}\n\n")
	defer upstream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	cancelOnFirstWrite(sink, cancel)

	exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
	errCh := make(chan error, 1)
	go func() {
		errCh <- exec.RelayStream(ctx, RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)}, sink, nil)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RelayStream did not return after cancel")
	}
	waitClosed(t, gone, "upstream connection still open")
}

func TestClaudeExecutorCountTokens(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/count_tokens" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"input_tokens":42}`))
	}))
	defer upstream.Close()

	exec := NewClaudeExecutor(newTestConfig(t, upstream.URL))
	resp, err := exec.CountTokens(context.Background(), RelayRequest{Account: testAccount(""), Token: "t", Body: []byte(messagesBody)})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if got := gjson.GetBytes(resp.Body, "input_tokens").Int(); got != 42 {
		t.Fatalf("input_tokens = %d", got)
	}
}
